// Package agents launches fix and judge agent workflows.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/windlass-ci/windlass/internal/auth"
	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/workflow"
)

var workflowByKind = map[model.AgentSessionKind]string{
	model.SessionFix:   "agent-fix.yml",
	model.SessionJudge: "agent-judge.yml",
}

// Launcher triggers agent workflows on the run's branch.
//
// Fix agents report back implicitly: their push to the branch arrives as a
// webhook. Judge agents report explicitly via /api/judgment-complete, so
// only they receive a callback token.
type Launcher struct {
	dispatcher workflow.Dispatcher
	tokens     *auth.JWTManager
	baseURL    string
	tokenTTL   time.Duration
	logger     *slog.Logger
}

// NewLauncher creates an agent Launcher.
func NewLauncher(d workflow.Dispatcher, tokens *auth.JWTManager, baseURL string, tokenTTL time.Duration, logger *slog.Logger) *Launcher {
	return &Launcher{
		dispatcher: d,
		tokens:     tokens,
		baseURL:    baseURL,
		tokenTTL:   tokenTTL,
		logger:     logger,
	}
}

// LaunchAgent triggers the workflow for an agent session kind.
func (l *Launcher) LaunchAgent(ctx context.Context, run model.PipelineRun, kind model.AgentSessionKind) error {
	file, ok := workflowByKind[kind]
	if !ok {
		return fmt.Errorf("agents: no workflow for agent kind %q", kind)
	}

	inputs := map[string]string{
		"run_id":     run.ID.String(),
		"branch":     run.Branch,
		"commit_sha": run.CommitSHA,
	}
	if run.LastFailedGate != nil {
		inputs["failed_gate"] = string(*run.LastFailedGate)
	}
	if kind == model.SessionJudge {
		token, err := l.tokens.IssueCallbackToken(auth.PurposeJudgeCallback, run.ID, l.tokenTTL)
		if err != nil {
			return fmt.Errorf("agents: mint callback token: %w", err)
		}
		inputs["callback_url"] = l.baseURL + "/api/judgment-complete"
		inputs["callback_token"] = token
	}

	if err := l.dispatcher.Dispatch(ctx, file, run.Branch, inputs); err != nil {
		return fmt.Errorf("agents: launch %s agent: %w", kind, err)
	}

	l.logger.Info("agent launched", "run_id", run.ID, "kind", kind, "workflow", file)
	return nil
}
