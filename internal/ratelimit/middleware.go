package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/windlass-ci/windlass/internal/model"
)

// KeyFunc extracts the rate limit key from a request. Returning an empty
// string skips rate limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware enforces a per-key rate limit in front of the wrapped handler.
// Limiter errors fail open: a broken limiter must not take the API down.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter error, failing open", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(model.APIError{
					Error: model.ErrorDetail{
						Code:    model.ErrCodeRateLimited,
						Message: "too many requests",
					},
					Meta: model.ResponseMeta{Timestamp: time.Now().UTC()},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys requests by client IP from RemoteAddr. X-Forwarded-For is
// not trusted: any client can set it to bypass the limit. When deployed
// behind a reverse proxy, configure the proxy to rewrite RemoteAddr.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
