// Package gates dispatches quality-gate workflows and tracks their pending
// results.
package gates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/windlass-ci/windlass/internal/auth"
	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/storage"
	"github.com/windlass-ci/windlass/internal/workflow"
)

// Workflow file per gate, by convention in the target repository.
var workflowByGate = map[model.GateKind]string{
	model.GateUnitContract: "gate-unit-contract.yml",
	model.GateIntegration:  "gate-integration.yml",
	model.GateE2E:          "gate-e2e.yml",
	model.GateRegression:   "gate-regression.yml",
}

// WorkflowForGate returns the workflow file that runs a gate.
func WorkflowForGate(g model.GateKind) (string, bool) {
	f, ok := workflowByGate[g]
	return f, ok
}

// Coordinator dispatches gate workflows. Each dispatch records a pending
// gate result and mints a callback token scoped to the run, which the
// workflow presents on /api/gate-complete.
type Coordinator struct {
	db         *storage.DB
	dispatcher workflow.Dispatcher
	tokens     *auth.JWTManager
	baseURL    string
	tokenTTL   time.Duration
	logger     *slog.Logger
}

// NewCoordinator creates a gate Coordinator.
func NewCoordinator(db *storage.DB, d workflow.Dispatcher, tokens *auth.JWTManager, baseURL string, tokenTTL time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		db:         db,
		dispatcher: d,
		tokens:     tokens,
		baseURL:    baseURL,
		tokenTTL:   tokenTTL,
		logger:     logger,
	}
}

// DispatchGate triggers the workflow for a gate against the run's branch at
// its current head commit.
func (c *Coordinator) DispatchGate(ctx context.Context, run model.PipelineRun, gate model.GateKind) error {
	file, ok := WorkflowForGate(gate)
	if !ok {
		return fmt.Errorf("gates: no workflow for gate %q", gate)
	}

	token, err := c.tokens.IssueCallbackToken(auth.PurposeGateCallback, run.ID, c.tokenTTL)
	if err != nil {
		return fmt.Errorf("gates: mint callback token: %w", err)
	}

	if _, err := c.db.CreatePendingGate(ctx, run.ID, gate, run.CommitSHA); err != nil {
		return err
	}

	inputs := map[string]string{
		"run_id":         run.ID.String(),
		"gate":           string(gate),
		"commit_sha":     run.CommitSHA,
		"callback_url":   c.baseURL + "/api/gate-complete",
		"callback_token": token,
	}
	if err := c.dispatcher.Dispatch(ctx, file, run.Branch, inputs); err != nil {
		return fmt.Errorf("gates: dispatch %s: %w", gate, err)
	}

	c.logger.Info("gate dispatched",
		"run_id", run.ID, "gate", gate, "workflow", file, "commit", run.CommitSHA)
	return nil
}
