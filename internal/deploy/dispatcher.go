// Package deploy dispatches deployment and promotion workflows.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/windlass-ci/windlass/internal/auth"
	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/workflow"
)

// Workflow file per environment, by convention in the target repository.
var workflowByEnv = map[model.Environment]string{
	model.EnvDev:            "deploy-dev.yml",
	model.EnvStagingPromote: "promote-staging.yml",
	model.EnvStaging:        "deploy-staging.yml",
	model.EnvProd:           "deploy-prod.yml",
}

// WorkflowForEnvironment returns the workflow file that deploys to env.
func WorkflowForEnvironment(env model.Environment) (string, bool) {
	f, ok := workflowByEnv[env]
	return f, ok
}

// Dispatcher triggers deployment workflows. Deploys run on the integration
// branch ref, not the change branch: environments always receive the merged
// line, and the promotion workflow moves it between environment branches.
type Dispatcher struct {
	dispatcher        workflow.Dispatcher
	tokens            *auth.JWTManager
	baseURL           string
	integrationBranch string
	tokenTTL          time.Duration
	logger            *slog.Logger
}

// NewDispatcher creates a deploy Dispatcher.
func NewDispatcher(d workflow.Dispatcher, tokens *auth.JWTManager, baseURL, integrationBranch string, tokenTTL time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		dispatcher:        d,
		tokens:            tokens,
		baseURL:           baseURL,
		integrationBranch: integrationBranch,
		tokenTTL:          tokenTTL,
		logger:            logger,
	}
}

// DispatchDeploy triggers the workflow for env. The engine only calls this
// on entry to a deploying state, and the guarded transition into that state
// makes each run/environment dispatch exactly-once.
func (d *Dispatcher) DispatchDeploy(ctx context.Context, run model.PipelineRun, env model.Environment) error {
	file, ok := WorkflowForEnvironment(env)
	if !ok {
		return fmt.Errorf("deploy: no workflow for environment %q", env)
	}

	token, err := d.tokens.IssueCallbackToken(auth.PurposeDeployCallback, run.ID, d.tokenTTL)
	if err != nil {
		return fmt.Errorf("deploy: mint callback token: %w", err)
	}

	inputs := map[string]string{
		"run_id":         run.ID.String(),
		"environment":    string(env),
		"commit_sha":     run.CommitSHA,
		"callback_url":   d.baseURL + "/api/deploy-complete",
		"callback_token": token,
	}
	if err := d.dispatcher.Dispatch(ctx, file, d.integrationBranch, inputs); err != nil {
		return fmt.Errorf("deploy: dispatch %s: %w", env, err)
	}

	d.logger.Info("deployment dispatched",
		"run_id", run.ID, "environment", env, "workflow", file, "ref", d.integrationBranch)
	return nil
}
