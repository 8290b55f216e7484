package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/storage"
)

// GateDispatcher triggers a gate workflow for a run.
type GateDispatcher interface {
	DispatchGate(ctx context.Context, run model.PipelineRun, gate model.GateKind) error
}

// DeployDispatcher triggers a deployment workflow for a run.
type DeployDispatcher interface {
	DispatchDeploy(ctx context.Context, run model.PipelineRun, env model.Environment) error
}

// AgentLauncher triggers a fix or judge agent workflow for a run.
type AgentLauncher interface {
	LaunchAgent(ctx context.Context, run model.PipelineRun, kind model.AgentSessionKind) error
}

// Hook observes committed transitions. Hooks run in their own goroutine
// after the transition is durable; a slow or failing hook never blocks or
// rolls back the run.
type Hook func(ctx context.Context, run model.PipelineRun, from model.RunState, trigger model.TriggerKind)

// Engine is the imperative shell around Decide. It serializes triggers per
// run, persists transitions atomically, and executes side effects after
// commit.
type Engine struct {
	db      *storage.DB
	gates   GateDispatcher
	deploys DeployDispatcher
	agents  AgentLauncher
	logger  *slog.Logger

	maxFixCycles int
	hooks        []Hook

	// locks holds one mutex per run so that triggers for the same run apply
	// one at a time. Triggers for different runs proceed concurrently.
	locks sync.Map // uuid.UUID -> *sync.Mutex
}

// New creates an Engine.
func New(db *storage.DB, gates GateDispatcher, deploys DeployDispatcher, agents AgentLauncher, maxFixCycles int, logger *slog.Logger) *Engine {
	return &Engine{
		db:           db,
		gates:        gates,
		deploys:      deploys,
		agents:       agents,
		maxFixCycles: maxFixCycles,
		logger:       logger,
	}
}

// AddHook registers a transition observer. Not safe to call concurrently
// with Apply; register all hooks during startup.
func (e *Engine) AddHook(h Hook) {
	e.hooks = append(e.hooks, h)
}

// maxStaleRetries bounds reload-and-redecide attempts when a concurrent
// trigger wins the guarded update first.
const maxStaleRetries = 3

// CreateRun creates a pipeline run for a newly opened change request and
// feeds it the opening trigger. Returns the run after the first transition.
// A concurrent or repeated open for the same source ref gets
// storage.ErrDuplicateRun and must treat the event as already handled.
func (e *Engine) CreateRun(ctx context.Context, p storage.CreateRunParams) (model.PipelineRun, error) {
	if p.MaxFixCycles <= 0 {
		p.MaxFixCycles = e.maxFixCycles
	}

	run, err := e.db.CreateRun(ctx, p)
	if err != nil {
		return model.PipelineRun{}, err
	}

	e.logger.Info("pipeline run created",
		"run_id", run.ID, "source_ref", run.SourceRef, "branch", run.Branch)

	if err := e.Apply(ctx, run.ID, Trigger{Kind: model.TriggerRequestOpened}); err != nil {
		return run, err
	}
	return e.db.GetRun(ctx, run.ID)
}

// Apply delivers one trigger to a run. Invalid triggers are logged and
// dropped without error; the caller has no way to act on them and the run
// must not be disturbed. Errors are returned only for storage or dispatch
// failures.
func (e *Engine) Apply(ctx context.Context, runID uuid.UUID, t Trigger) error {
	outcome, run, applied, err := e.applyLocked(ctx, runID, t)
	if err != nil || !applied {
		return err
	}

	// Effects run outside the run lock. A follow-up trigger re-enters Apply
	// and takes the lock itself.
	return e.runEffects(ctx, run, outcome.Effects)
}

// applyLocked performs the decide/persist cycle under the run's mutex.
// Returns applied=false when the trigger was dropped as invalid.
func (e *Engine) applyLocked(ctx context.Context, runID uuid.UUID, t Trigger) (Outcome, model.PipelineRun, bool, error) {
	mu := e.lockFor(runID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; ; attempt++ {
		run, err := e.db.GetRun(ctx, runID)
		if err != nil {
			return Outcome{}, model.PipelineRun{}, false, fmt.Errorf("engine: load run %s: %w", runID, err)
		}

		if run.State.IsTerminal() {
			e.logger.Warn("trigger dropped: run is terminal",
				"run_id", runID, "state", run.State, "trigger", t.Kind)
			return Outcome{}, run, false, nil
		}

		outcome, err := Decide(run, t)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				e.logger.Warn("trigger dropped: invalid transition",
					"run_id", runID, "state", run.State, "trigger", t.Kind, "reason", err)
				return Outcome{}, run, false, nil
			}
			return Outcome{}, run, false, err
		}

		note := outcome.Note
		if t.Note != "" {
			note = t.Note
		}

		err = e.db.ApplyTransition(ctx, storage.TransitionParams{
			RunID:          run.ID,
			FromState:      run.State,
			ToState:        outcome.To,
			Trigger:        t.Kind,
			Note:           note,
			FixCycleCount:  outcome.FixCycleCount,
			CommitSHA:      outcome.CommitSHA,
			LastFailedGate: outcome.LastFailedGate,
			ErrorMessage:   outcome.ErrorMessage,
			CloseSession:   sessionClose(outcome.CloseSession),
			OpenSession:    outcome.OpenSession,
		})
		if err != nil {
			if errors.Is(err, storage.ErrStaleRun) && attempt < maxStaleRetries {
				e.logger.Debug("run state changed concurrently, re-deciding",
					"run_id", runID, "trigger", t.Kind, "attempt", attempt)
				continue
			}
			return Outcome{}, run, false, fmt.Errorf("engine: apply %s to run %s: %w", t.Kind, runID, err)
		}

		e.logger.Info("pipeline run transitioned",
			"run_id", run.ID, "from", run.State, "to", outcome.To, "trigger", t.Kind)

		// Carry the post-transition view into effect execution.
		from := run.State
		run.State = outcome.To
		if outcome.CommitSHA != nil {
			run.CommitSHA = *outcome.CommitSHA
		}
		if outcome.FixCycleCount != nil {
			run.FixCycleCount = *outcome.FixCycleCount
		}
		if outcome.LastFailedGate != nil {
			run.LastFailedGate = outcome.LastFailedGate
		}

		for _, h := range e.hooks {
			go h(context.WithoutCancel(ctx), run, from, t.Kind)
		}
		if run.State.IsTerminal() {
			e.forgetLock(runID)
		}
		return outcome, run, true, nil
	}
}

// runEffects executes outcome effects in order. The first failure stops the
// chain: the run stays parked in its committed state where operators can see
// it, rather than advancing on a dispatch that never happened.
func (e *Engine) runEffects(ctx context.Context, run model.PipelineRun, effects []Effect) error {
	for _, eff := range effects {
		var err error
		switch eff.Kind {
		case EffectDispatchGate:
			err = e.gates.DispatchGate(ctx, run, eff.Gate)
		case EffectDispatchDeploy:
			err = e.deploys.DispatchDeploy(ctx, run, eff.Environment)
		case EffectLaunchAgent:
			err = e.agents.LaunchAgent(ctx, run, eff.Agent)
			if err == nil {
				e.markSessionWorking(ctx, run.ID)
			}
		default:
			err = fmt.Errorf("engine: unknown effect kind %q", eff.Kind)
		}
		if err != nil {
			e.logger.Error("effect failed, run parked",
				"run_id", run.ID, "state", run.State, "effect", eff.Kind, "error", err)
			return fmt.Errorf("engine: effect %s for run %s: %w", eff.Kind, run.ID, err)
		}

		if eff.FollowUp != nil {
			if err := e.Apply(ctx, run.ID, *eff.FollowUp); err != nil {
				return err
			}
		}
	}
	return nil
}

// markSessionWorking moves the session opened by the committed transition
// from launched to working once its workflow dispatch is accepted. Best
// effort: a failure leaves the session launched, which is still active.
func (e *Engine) markSessionWorking(ctx context.Context, runID uuid.UUID) {
	sess, err := e.db.GetActiveSession(ctx, runID)
	if err != nil {
		e.logger.Warn("no active session after agent launch", "run_id", runID, "error", err)
		return
	}
	if err := e.db.MarkSessionWorking(ctx, sess.ID); err != nil {
		e.logger.Warn("failed to mark session working",
			"run_id", runID, "session_id", sess.ID, "error", err)
	}
}

func (e *Engine) lockFor(runID uuid.UUID) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(runID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// forgetLock drops a terminal run's mutex so the lock table does not grow
// with every run the process ever saw. A late trigger recreates the entry,
// loads the run, and drops the trigger on the terminal-state check.
func (e *Engine) forgetLock(runID uuid.UUID) {
	e.locks.Delete(runID)
}

func sessionClose(c *SessionChange) *storage.SessionClose {
	if c == nil {
		return nil
	}
	return &storage.SessionClose{Status: c.Status, ResultCommitSHA: c.ResultCommitSHA}
}
