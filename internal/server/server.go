package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/windlass-ci/windlass/internal/auth"
	"github.com/windlass-ci/windlass/internal/engine"
	"github.com/windlass-ci/windlass/internal/ratelimit"
	"github.com/windlass-ci/windlass/internal/storage"
)

// Server is the Windlass HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	DB            *storage.DB
	JWTMgr        *auth.JWTManager
	Engine        *engine.Engine
	WebhookSecret []byte
	// IntegrationBranch is the only target branch whose pull requests are
	// tracked; events for other branches are acknowledged and dropped.
	IntegrationBranch string
	Logger            *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// RateLimiter, when non-nil, throttles requests per client IP.
	// Health checks are exempt.
	RateLimiter ratelimit.Limiter

	// OpenAPISpec, when non-empty, is served at GET /openapi.yaml.
	OpenAPISpec []byte

	// Middlewares wrap the root handler outermost, in order
	// (first = outermost). They see every request, including /health.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Engine:              cfg.Engine,
		WebhookSecret:       cfg.WebhookSecret,
		IntegrationBranch:   cfg.IntegrationBranch,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Webhook ingress (HMAC-authenticated inside the handler).
	mux.HandleFunc("POST /webhooks/events", h.HandleWebhook)

	// Workflow callbacks (purpose-scoped tokens minted at dispatch).
	gateOnly := requirePurpose(auth.PurposeGateCallback)
	judgeOnly := requirePurpose(auth.PurposeJudgeCallback)
	deployOnly := requirePurpose(auth.PurposeDeployCallback)
	mux.Handle("POST /api/gate-complete", gateOnly(http.HandlerFunc(h.HandleGateComplete)))
	mux.Handle("POST /api/judgment-complete", judgeOnly(http.HandlerFunc(h.HandleJudgmentComplete)))
	mux.Handle("POST /api/deploy-complete", deployOnly(http.HandlerFunc(h.HandleDeployComplete)))

	// Operator API (JWT from /auth/token).
	operatorOnly := requirePurpose(auth.PurposeOperator)
	mux.Handle("GET /api/pipelines", operatorOnly(http.HandlerFunc(h.HandleListPipelines)))
	mux.Handle("GET /api/pipelines/{id}", operatorOnly(http.HandlerFunc(h.HandleGetPipeline)))
	mux.Handle("POST /api/pipelines/{id}/approve", operatorOnly(http.HandlerFunc(h.HandleApprovePipeline)))

	// Auth and health (no JWT required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)
	mux.HandleFunc("GET /health", h.HandleHealth)

	if len(cfg.OpenAPISpec) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → rate limit → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	if cfg.RateLimiter != nil {
		keyFunc := func(r *http.Request) string {
			if r.URL.Path == "/health" {
				return ""
			}
			return ratelimit.IPKeyFunc(r)
		}
		handler = ratelimit.Middleware(cfg.RateLimiter, keyFunc, cfg.Logger)(handler)
	}
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
