package engine

import (
	"errors"
	"fmt"

	"github.com/windlass-ci/windlass/internal/model"
)

// ErrInvalidTransition is returned by Decide when the trigger is not legal
// in the run's current state. Callers log and drop the trigger; the run is
// left untouched.
var ErrInvalidTransition = errors.New("engine: trigger not valid in current state")

// Decide maps (run, trigger) to an Outcome. Pure: no storage, no network,
// no clock. Every legal transition in the pipeline is enumerated here.
func Decide(run model.PipelineRun, t Trigger) (Outcome, error) {
	switch t.Kind {
	case model.TriggerRequestOpened:
		return decideRequestOpened(run)
	case model.TriggerGatePassed:
		return decideGatePassed(run, t)
	case model.TriggerGateFailed:
		return decideGateFailed(run, t)
	case model.TriggerGateDispatched:
		return decideGateDispatched(run, t)
	case model.TriggerFixAgentPushed:
		return decideFixAgentPushed(run, t)
	case model.TriggerJudgmentApproved:
		return decideJudgmentApproved(run)
	case model.TriggerJudgmentRejected:
		return decideJudgmentRejected(run)
	case model.TriggerHumanApproved:
		return decideHumanApproved(run)
	case model.TriggerDeploySucceeded:
		return decideDeploySucceeded(run, t)
	case model.TriggerDeployFailed:
		return decideDeployFailed(run, t)
	case model.TriggerRequestMerged:
		return decideRequestMerged(run)
	default:
		return Outcome{}, fmt.Errorf("%w: unknown trigger %q", ErrInvalidTransition, t.Kind)
	}
}

func invalid(run model.PipelineRun, t model.TriggerKind) (Outcome, error) {
	return Outcome{}, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, t, run.State)
}

func decideRequestOpened(run model.PipelineRun) (Outcome, error) {
	if run.State != model.StateCreated {
		return invalid(run, model.TriggerRequestOpened)
	}
	return Outcome{
		To:      model.StateUnitContractGate,
		Note:    "change request opened",
		Effects: []Effect{{Kind: EffectDispatchGate, Gate: model.GateUnitContract}},
	}, nil
}

// decideGatePassed advances the run out of a gate state. Each gate has a
// fixed successor stage.
func decideGatePassed(run model.PipelineRun, t Trigger) (Outcome, error) {
	gate, ok := model.GateForState(run.State)
	if !ok || gate != t.Gate {
		return invalid(run, model.TriggerGatePassed)
	}

	note := fmt.Sprintf("gate %s passed", gate)
	switch gate {
	case model.GateUnitContract:
		return Outcome{
			To:      model.StateDevDeploying,
			Note:    note,
			Effects: []Effect{{Kind: EffectDispatchDeploy, Environment: model.EnvDev}},
		}, nil
	case model.GateIntegration:
		return Outcome{
			To:      model.StateE2EGate,
			Note:    note,
			Effects: []Effect{{Kind: EffectDispatchGate, Gate: model.GateE2E}},
		}, nil
	case model.GateE2E:
		return Outcome{
			To:      model.StateStagingPromoting,
			Note:    note,
			Effects: []Effect{{Kind: EffectDispatchDeploy, Environment: model.EnvStagingPromote}},
		}, nil
	case model.GateRegression:
		return Outcome{
			To:   model.StateReadyForProd,
			Note: note + "; awaiting human approval",
		}, nil
	}
	return invalid(run, model.TriggerGatePassed)
}

// decideGateFailed starts a fix cycle, or fails the run when the budget is
// spent. The increment and the session open commit with the transition, so
// the counter can never drift from the number of sessions.
func decideGateFailed(run model.PipelineRun, t Trigger) (Outcome, error) {
	gate, ok := model.GateForState(run.State)
	if !ok || gate != t.Gate {
		return invalid(run, model.TriggerGateFailed)
	}

	if run.FixCycleCount >= run.MaxFixCycles {
		msg := fmt.Sprintf("gate %s failed with fix cycle budget exhausted (%d/%d)",
			gate, run.FixCycleCount, run.MaxFixCycles)
		return Outcome{
			To:             model.StateFailed,
			Note:           msg,
			LastFailedGate: &gate,
			ErrorMessage:   &msg,
		}, nil
	}

	cycles := run.FixCycleCount + 1
	fix := model.SessionFix
	return Outcome{
		To:             model.StateFixing,
		Note:           fmt.Sprintf("gate %s failed; fix cycle %d/%d", gate, cycles, run.MaxFixCycles),
		FixCycleCount:  &cycles,
		LastFailedGate: &gate,
		OpenSession:    &fix,
		Effects:        []Effect{{Kind: EffectLaunchAgent, Agent: model.SessionFix}},
	}, nil
}

// decideGateDispatched moves a deployed run into the gate state whose
// workflow was just triggered. Raised by the engine itself after the
// post-deploy gate dispatch succeeds.
func decideGateDispatched(run model.PipelineRun, t Trigger) (Outcome, error) {
	switch {
	case run.State == model.StateDevDeployed && t.Gate == model.GateIntegration:
		return Outcome{To: model.StateIntegrationGate, Note: "integration gate dispatched"}, nil
	case run.State == model.StateStagingDeployed && t.Gate == model.GateRegression:
		return Outcome{To: model.StateRegressionGate, Note: "regression gate dispatched"}, nil
	}
	return invalid(run, model.TriggerGateDispatched)
}

// decideFixAgentPushed completes the fix session with the pushed commit,
// adopts it as the run's head, and hands off to a judge session.
func decideFixAgentPushed(run model.PipelineRun, t Trigger) (Outcome, error) {
	if run.State != model.StateFixing {
		return invalid(run, model.TriggerFixAgentPushed)
	}
	if t.CommitSHA == "" {
		return Outcome{}, fmt.Errorf("%w: fix push without a commit", ErrInvalidTransition)
	}

	sha := t.CommitSHA
	judge := model.SessionJudge
	return Outcome{
		To:        model.StateJudging,
		Note:      fmt.Sprintf("fix pushed %s; judging", shortSHA(sha)),
		CommitSHA: &sha,
		CloseSession: &SessionChange{
			Status:          model.SessionCompleted,
			ResultCommitSHA: &sha,
		},
		OpenSession: &judge,
		Effects:     []Effect{{Kind: EffectLaunchAgent, Agent: model.SessionJudge}},
	}, nil
}

// decideJudgmentApproved returns the run to the gate that failed and re-runs
// exactly that gate against the fixed commit.
func decideJudgmentApproved(run model.PipelineRun) (Outcome, error) {
	if run.State != model.StateJudging {
		return invalid(run, model.TriggerJudgmentApproved)
	}
	if run.LastFailedGate == nil {
		return Outcome{}, fmt.Errorf("%w: judging run has no recorded failed gate", ErrInvalidTransition)
	}

	gate := *run.LastFailedGate
	to, ok := model.StateForGate(gate)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unknown recorded gate %q", ErrInvalidTransition, gate)
	}
	return Outcome{
		To:           to,
		Note:         fmt.Sprintf("judgment approved; re-running gate %s", gate),
		CloseSession: &SessionChange{Status: model.SessionCompleted},
		Effects:      []Effect{{Kind: EffectDispatchGate, Gate: gate}},
	}, nil
}

// decideJudgmentRejected spends another fix cycle if any remain, otherwise
// fails the run.
func decideJudgmentRejected(run model.PipelineRun) (Outcome, error) {
	if run.State != model.StateJudging {
		return invalid(run, model.TriggerJudgmentRejected)
	}

	if run.FixCycleCount >= run.MaxFixCycles {
		msg := fmt.Sprintf("judgment rejected with fix cycle budget exhausted (%d/%d)",
			run.FixCycleCount, run.MaxFixCycles)
		return Outcome{
			To:           model.StateFailed,
			Note:         msg,
			ErrorMessage: &msg,
			CloseSession: &SessionChange{Status: model.SessionCompleted},
		}, nil
	}

	cycles := run.FixCycleCount + 1
	fix := model.SessionFix
	return Outcome{
		To:            model.StateFixing,
		Note:          fmt.Sprintf("judgment rejected; fix cycle %d/%d", cycles, run.MaxFixCycles),
		FixCycleCount: &cycles,
		CloseSession:  &SessionChange{Status: model.SessionCompleted},
		OpenSession:   &fix,
		Effects:       []Effect{{Kind: EffectLaunchAgent, Agent: model.SessionFix}},
	}, nil
}

// decideHumanApproved releases the production deployment. The guarded
// transition out of ready_for_prod makes the dispatch exactly-once: a second
// approval finds the run already in prod_deploying and is dropped.
func decideHumanApproved(run model.PipelineRun) (Outcome, error) {
	if run.State != model.StateReadyForProd {
		return invalid(run, model.TriggerHumanApproved)
	}
	return Outcome{
		To:      model.StateProdDeploying,
		Note:    "production deployment approved",
		Effects: []Effect{{Kind: EffectDispatchDeploy, Environment: model.EnvProd}},
	}, nil
}

func decideDeploySucceeded(run model.PipelineRun, t Trigger) (Outcome, error) {
	switch {
	case run.State == model.StateDevDeploying && t.Environment == model.EnvDev:
		return Outcome{
			To:   model.StateDevDeployed,
			Note: "dev deployment succeeded",
			Effects: []Effect{{
				Kind:     EffectDispatchGate,
				Gate:     model.GateIntegration,
				FollowUp: &Trigger{Kind: model.TriggerGateDispatched, Gate: model.GateIntegration},
			}},
		}, nil
	case run.State == model.StateStagingPromoting && t.Environment == model.EnvStagingPromote:
		return Outcome{
			To:      model.StateStagingDeploying,
			Note:    "staging promotion succeeded",
			Effects: []Effect{{Kind: EffectDispatchDeploy, Environment: model.EnvStaging}},
		}, nil
	case run.State == model.StateStagingDeploying && t.Environment == model.EnvStaging:
		return Outcome{
			To:   model.StateStagingDeployed,
			Note: "staging deployment succeeded",
			Effects: []Effect{{
				Kind:     EffectDispatchGate,
				Gate:     model.GateRegression,
				FollowUp: &Trigger{Kind: model.TriggerGateDispatched, Gate: model.GateRegression},
			}},
		}, nil
	case run.State == model.StateProdDeploying && t.Environment == model.EnvProd:
		return Outcome{
			To:   model.StateProdDeployed,
			Note: "production deployment succeeded",
		}, nil
	}
	return invalid(run, model.TriggerDeploySucceeded)
}

// decideDeployFailed fails the run. Deployment failures are not remediated
// by fix cycles; they indicate infrastructure problems, not code problems.
func decideDeployFailed(run model.PipelineRun, t Trigger) (Outcome, error) {
	valid := (run.State == model.StateDevDeploying && t.Environment == model.EnvDev) ||
		(run.State == model.StateStagingPromoting && t.Environment == model.EnvStagingPromote) ||
		(run.State == model.StateStagingDeploying && t.Environment == model.EnvStaging) ||
		(run.State == model.StateProdDeploying && t.Environment == model.EnvProd)
	if !valid {
		return invalid(run, model.TriggerDeployFailed)
	}

	msg := fmt.Sprintf("%s deployment failed", t.Environment)
	return Outcome{
		To:           model.StateFailed,
		Note:         msg,
		ErrorMessage: &msg,
	}, nil
}

// decideRequestMerged closes out a delivered run, or recovers a run that was
// merged before its pipeline reached the dev deployment. A merge arriving
// anywhere past dev deploy is refused: the pipeline already owns the
// integration branch at that point.
func decideRequestMerged(run model.PipelineRun) (Outcome, error) {
	switch {
	case run.State == model.StateProdDeployed:
		return Outcome{To: model.StateDone, Note: "change request merged"}, nil
	case run.State.PastDevDeploy():
		// The pipeline already owns the integration branch; recovery would
		// dispatch a second dev deploy for the same run.
		return invalid(run, model.TriggerRequestMerged)
	case run.State == model.StateCreated || run.State == model.StateUnitContractGate:
		return Outcome{
			To:      model.StateDevDeploying,
			Note:    "merged before dev deploy; recovering",
			Effects: []Effect{{Kind: EffectDispatchDeploy, Environment: model.EnvDev}},
		}, nil
	}
	return invalid(run, model.TriggerRequestMerged)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
