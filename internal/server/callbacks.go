package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/windlass-ci/windlass/internal/engine"
	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/storage"
)

// callbackRunID validates that the token presented on a callback is bound to
// the run named in the body. A token for run A can never complete run B.
func callbackRunID(r *http.Request, bodyRunID string) (uuid.UUID, bool) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.RunID == "" || claims.RunID != bodyRunID {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(bodyRunID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// HandleGateComplete handles POST /api/gate-complete, invoked by a gate
// workflow when it finishes. Finalizes the pending gate result and feeds the
// engine the matching trigger.
func (h *Handlers) HandleGateComplete(w http.ResponseWriter, r *http.Request) {
	var req model.GateCompleteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	runID, ok := callbackRunID(r, req.RunID)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not bound to this run")
		return
	}

	gate := model.GateKind(req.Gate)
	if !model.ValidGateKind(gate) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown gate")
		return
	}

	var trigger model.TriggerKind
	var gateStatus model.GateStatus
	switch req.Status {
	case "passed":
		trigger, gateStatus = model.TriggerGatePassed, model.GateStatusPassed
	case "failed":
		trigger, gateStatus = model.TriggerGateFailed, model.GateStatusFailed
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status must be passed or failed")
		return
	}

	// A callback from a superseded workflow run must not finalize the gate
	// that was re-dispatched at a newer commit.
	if req.CommitSHA != "" {
		pending, err := h.db.GetPendingGate(r.Context(), runID, gate)
		switch {
		case err == nil && pending.CommitSHA != req.CommitSHA:
			h.logger.Warn("gate callback for stale commit rejected",
				"run_id", runID, "gate", gate, "got", req.CommitSHA, "want", pending.CommitSHA)
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "gate result is for a superseded commit")
			return
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			h.writeInternalError(w, r, "failed to load pending gate", err)
			return
		}
	}

	if err := h.db.FinalizeGate(r.Context(), runID, gate, gateStatus); err != nil {
		if errors.Is(err, storage.ErrGateAlreadyFinal) {
			// Redelivered callback: the result is already in, ack it.
			h.logger.Info("duplicate gate callback ignored", "run_id", runID, "gate", gate)
			writeJSON(w, r, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		h.writeInternalError(w, r, "failed to finalize gate", err)
		return
	}

	if err := h.engine.Apply(r.Context(), runID, engine.Trigger{Kind: trigger, Gate: gate}); err != nil {
		h.writeInternalError(w, r, "failed to apply gate result", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "accepted"})
}

// HandleJudgmentComplete handles POST /api/judgment-complete, invoked by a
// judge agent with its verdict on the fix.
func (h *Handlers) HandleJudgmentComplete(w http.ResponseWriter, r *http.Request) {
	var req model.JudgmentCompleteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	runID, ok := callbackRunID(r, req.RunID)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not bound to this run")
		return
	}

	var trigger model.TriggerKind
	switch req.Verdict {
	case "approved":
		trigger = model.TriggerJudgmentApproved
	case "rejected":
		trigger = model.TriggerJudgmentRejected
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "verdict must be approved or rejected")
		return
	}

	if err := h.engine.Apply(r.Context(), runID, engine.Trigger{Kind: trigger}); err != nil {
		h.writeInternalError(w, r, "failed to apply judgment", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "accepted"})
}

// HandleDeployComplete handles POST /api/deploy-complete, invoked by a
// deployment workflow with its result.
func (h *Handlers) HandleDeployComplete(w http.ResponseWriter, r *http.Request) {
	var req model.DeployCompleteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	runID, ok := callbackRunID(r, req.RunID)
	if !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not bound to this run")
		return
	}

	env := model.Environment(req.Environment)
	if !model.ValidEnvironment(env) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown environment")
		return
	}

	var trigger model.TriggerKind
	switch req.Status {
	case "succeeded":
		trigger = model.TriggerDeploySucceeded
	case "failed":
		trigger = model.TriggerDeployFailed
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status must be succeeded or failed")
		return
	}

	if err := h.engine.Apply(r.Context(), runID, engine.Trigger{Kind: trigger, Environment: env}); err != nil {
		h.writeInternalError(w, r, "failed to apply deploy result", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "accepted"})
}
