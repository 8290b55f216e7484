package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("boom") }
func (errLimiter) Close() error                                { return nil }

func testHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestMiddlewareBlocksOverLimit(t *testing.T) {
	m := NewMemoryLimiter(1, 2)
	defer func() { _ = m.Close() }()

	h := Middleware(m, IPKeyFunc, testLogger())(testHandler())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
}

func TestMiddlewareRateLimitResponseShape(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer func() { _ = m.Close() }()

	h := Middleware(m, IPKeyFunc, testLogger())(testHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/pipelines", nil)
	req.RemoteAddr = "10.0.0.2:1000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestMiddlewareSeparateClientsSeparateBuckets(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer func() { _ = m.Close() }()

	h := Middleware(m, IPKeyFunc, testLogger())(testHandler())

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "10.0.0.3:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	second := httptest.NewRequest(http.MethodGet, "/", nil)
	second.RemoteAddr = "10.0.0.4:1"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareEmptyKeySkipsLimit(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer func() { _ = m.Close() }()

	skipAll := func(*http.Request) string { return "" }
	h := Middleware(m, skipAll, testLogger())(testHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	h := Middleware(errLimiter{}, IPKeyFunc, testLogger())(testHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4242"
	assert.Equal(t, "192.0.2.7", IPKeyFunc(req))

	req.RemoteAddr = "[2001:db8::1]:4242"
	assert.Equal(t, "2001:db8::1", IPKeyFunc(req))
}
