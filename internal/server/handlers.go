package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/windlass-ci/windlass/internal/auth"
	"github.com/windlass-ci/windlass/internal/engine"
	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	engine              *engine.Engine
	webhookSecret       []byte
	integrationBranch   string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Engine              *engine.Engine
	WebhookSecret       []byte
	IntegrationBranch   string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		engine:              d.Engine,
		webhookSecret:       d.WebhookSecret,
		integrationBranch:   d.IntegrationBranch,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleAuthToken handles POST /auth/token: exchanges an API key for an
// operator JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.TokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	prefix, err := model.ParseRawKey(req.APIKey)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	key, err := h.db.GetActiveKeyByPrefix(r.Context(), prefix)
	if err != nil {
		// Burn comparable time so a missing prefix is indistinguishable
		// from a bad secret.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, key.KeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueOperatorToken(key.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("operator token issued", "key_id", key.ID, "label", key.Label)
	writeJSON(w, r, http.StatusOK, model.TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleListPipelines handles GET /api/pipelines.
// Optional query params: state, limit, offset.
func (h *Handlers) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	var stateFilter *model.RunState
	if s := r.URL.Query().Get("state"); s != "" {
		state := model.RunState(s)
		stateFilter = &state
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	runs, total, err := h.db.ListRuns(r.Context(), stateFilter, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list pipelines", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": total,
	})
}

// HandleGetPipeline handles GET /api/pipelines/{id}: the run plus its
// transition log, gate results, and agent sessions.
func (h *Handlers) HandleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid pipeline id")
		return
	}

	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pipeline not found")
			return
		}
		h.writeInternalError(w, r, "failed to load pipeline", err)
		return
	}

	transitions, err := h.db.ListTransitions(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load transitions", err)
		return
	}
	gates, err := h.db.ListGateResults(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load gate results", err)
		return
	}
	sessions, err := h.db.ListSessions(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load sessions", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.PipelineDetail{
		Run:         run,
		Transitions: transitions,
		Gates:       gates,
		Sessions:    sessions,
	})
}

// HandleApprovePipeline handles POST /api/pipelines/{id}/approve: the human
// release decision for production. Only meaningful when the run is awaiting
// approval; anywhere else the trigger is dropped and the current state is
// returned.
func (h *Handlers) HandleApprovePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid pipeline id")
		return
	}

	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pipeline not found")
			return
		}
		h.writeInternalError(w, r, "failed to load pipeline", err)
		return
	}
	if run.State != model.StateReadyForProd {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
			"pipeline is not awaiting approval (state: "+string(run.State)+")")
		return
	}

	if err := h.engine.Apply(r.Context(), id, engine.Trigger{Kind: model.TriggerHumanApproved}); err != nil {
		h.writeInternalError(w, r, "failed to approve pipeline", err)
		return
	}

	updated, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load pipeline", err)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
