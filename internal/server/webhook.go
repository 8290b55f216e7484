package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/windlass-ci/windlass/internal/engine"
	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/signature"
	"github.com/windlass-ci/windlass/internal/storage"
)

// Webhook payload shapes. Only the fields Windlass reads are declared;
// unknown fields are ignored deliberately, the host adds fields over time.

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int64  `json:"number"`
	PullRequest struct {
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

type pushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

type reviewEvent struct {
	Action string `json:"action"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
	PullRequest struct {
		Number int64 `json:"number"`
	} `json:"pull_request"`
}

type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
	} `json:"workflow_run"`
}

// HandleWebhook handles POST /webhooks/events.
//
// Order matters: the raw body is read and the HMAC signature verified before
// anything is parsed, then the delivery ID is claimed for dedupe, then the
// event is routed. 200 means durably accepted: irrelevant events, duplicates,
// and internal handling failures are all acknowledged. Only a bad signature
// (401) or an unreachable dedupe store (500) asks the sender to redeliver.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read body")
		return
	}

	if !signature.Verify(body, r.Header.Get("X-Hub-Signature-256"), h.webhookSecret) {
		h.logger.Warn("webhook signature verification failed",
			"delivery", r.Header.Get("X-GitHub-Delivery"))
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	if event == "" || delivery == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "missing event headers")
		return
	}

	if event == "ping" {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	claimed, err := h.db.MarkEventProcessed(r.Context(), delivery)
	if err != nil {
		h.writeInternalError(w, r, "failed to record delivery", err)
		return
	}
	if !claimed {
		h.logger.Info("duplicate webhook delivery ignored", "delivery", delivery, "event", event)
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if err := h.routeEvent(r, event, body); err != nil {
		// The event was authenticated and accepted; a handling failure is
		// logged, not surfaced, so the sender does not redeliver into the
		// same failure. Releasing the claim keeps a manual redelivery open.
		if relErr := h.db.ReleaseEvent(r.Context(), delivery); relErr != nil {
			h.logger.Error("failed to release claimed delivery", "delivery", delivery, "error", relErr)
		}
		h.logger.Warn("event handling failed",
			"delivery", delivery, "event", event, "error", err)
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "accepted"})
}

// routeEvent classifies a verified, deduplicated event and feeds the engine.
// Events that do not concern any active run return nil: they are accepted
// and dropped.
func (h *Handlers) routeEvent(r *http.Request, event string, body []byte) error {
	ctx := r.Context()

	switch event {
	case "pull_request":
		var ev pullRequestEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			h.logger.Warn("malformed pull_request payload dropped", "error", err)
			return nil
		}
		// Only requests targeting the integration branch are tracked.
		if ev.PullRequest.Base.Ref != h.integrationBranch {
			h.logger.Info("pull request for untracked target branch ignored",
				"source_ref", ev.Number, "base", ev.PullRequest.Base.Ref)
			return nil
		}
		switch {
		case ev.Action == "opened" || ev.Action == "reopened":
			_, err := h.engine.CreateRun(ctx, storage.CreateRunParams{
				SourceRef:    ev.Number,
				Branch:       ev.PullRequest.Head.Ref,
				TargetBranch: ev.PullRequest.Base.Ref,
				CommitSHA:    ev.PullRequest.Head.SHA,
			})
			if errors.Is(err, storage.ErrDuplicateRun) {
				h.logger.Info("duplicate open for active run ignored", "source_ref", ev.Number)
				return nil
			}
			return err
		case ev.Action == "closed" && ev.PullRequest.Merged:
			return h.applyToRunBySourceRef(ctx, ev.Number, engine.Trigger{Kind: model.TriggerRequestMerged})
		}
		return nil

	case "push":
		var ev pushEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			h.logger.Warn("malformed push payload dropped", "error", err)
			return nil
		}
		branch, ok := strings.CutPrefix(ev.Ref, "refs/heads/")
		if !ok || ev.Deleted {
			return nil
		}
		run, err := h.db.GetActiveRunByBranch(ctx, branch)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		// A push only advances the pipeline while a fix agent owns the
		// branch. Pushes in any other state are developer activity.
		if run.State != model.StateFixing {
			h.logger.Info("push outside fix cycle ignored",
				"run_id", run.ID, "state", run.State, "branch", branch)
			return nil
		}
		return h.engine.Apply(ctx, run.ID, engine.Trigger{
			Kind:      model.TriggerFixAgentPushed,
			CommitSHA: ev.After,
		})

	case "pull_request_review":
		var ev reviewEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			h.logger.Warn("malformed review payload dropped", "error", err)
			return nil
		}
		if ev.Action != "submitted" || !strings.EqualFold(ev.Review.State, "approved") {
			return nil
		}
		return h.applyToRunBySourceRef(ctx, ev.PullRequest.Number, engine.Trigger{Kind: model.TriggerHumanApproved})

	case "workflow_run":
		// Informational backup channel: the authoritative result arrives via
		// the workflow's own callback. Log for operators chasing lost callbacks.
		var ev workflowRunEvent
		if err := json.Unmarshal(body, &ev); err == nil && ev.Action == "completed" {
			h.logger.Info("workflow run completed",
				"workflow", ev.WorkflowRun.Name,
				"conclusion", ev.WorkflowRun.Conclusion,
				"branch", ev.WorkflowRun.HeadBranch)
		}
		return nil

	default:
		h.logger.Debug("unhandled webhook event", "event", event)
		return nil
	}
}

func (h *Handlers) applyToRunBySourceRef(ctx context.Context, sourceRef int64, t engine.Trigger) error {
	run, err := h.db.GetActiveRunBySourceRef(ctx, sourceRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.logger.Info("event for unknown run ignored", "source_ref", sourceRef, "trigger", t.Kind)
			return nil
		}
		return err
	}
	return h.engine.Apply(ctx, run.ID, t)
}
