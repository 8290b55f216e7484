package engine_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-ci/windlass/internal/engine"
	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/storage"
	"github.com/windlass-ci/windlass/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// recorder implements all three effect interfaces and records every call.
type recorder struct {
	mu      sync.Mutex
	gates   []model.GateKind
	deploys []model.Environment
	agents  []model.AgentSessionKind
	fail    bool
}

func (r *recorder) DispatchGate(_ context.Context, _ model.PipelineRun, g model.GateKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("dispatch refused")
	}
	r.gates = append(r.gates, g)
	return nil
}

func (r *recorder) DispatchDeploy(_ context.Context, _ model.PipelineRun, e model.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("dispatch refused")
	}
	r.deploys = append(r.deploys, e)
	return nil
}

func (r *recorder) LaunchAgent(_ context.Context, _ model.PipelineRun, k model.AgentSessionKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return fmt.Errorf("launch refused")
	}
	r.agents = append(r.agents, k)
	return nil
}

var engineSourceRef int64 = 500000

func newTestEngine(t *testing.T) (*engine.Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	return engine.New(testDB, rec, rec, rec, 3, testutil.TestLogger()), rec
}

func openRun(t *testing.T, e *engine.Engine) model.PipelineRun {
	t.Helper()
	engineSourceRef++
	run, err := e.CreateRun(context.Background(), storage.CreateRunParams{
		SourceRef:    engineSourceRef,
		Branch:       fmt.Sprintf("feature/engine-%d", engineSourceRef),
		TargetBranch: "develop",
		CommitSHA:    "abc1234",
	})
	require.NoError(t, err)
	return run
}

func apply(t *testing.T, e *engine.Engine, run model.PipelineRun, tr engine.Trigger) model.PipelineRun {
	t.Helper()
	require.NoError(t, e.Apply(context.Background(), run.ID, tr))
	got, err := testDB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	return got
}

func TestEngineFullHappyPath(t *testing.T) {
	e, rec := newTestEngine(t)
	run := openRun(t, e)
	assert.Equal(t, model.StateUnitContractGate, run.State)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerGatePassed, Gate: model.GateUnitContract})
	assert.Equal(t, model.StateDevDeploying, run.State)

	// Dev deploy success dispatches the integration gate and the follow-up
	// trigger lands the run in the gate state in one Apply call.
	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerDeploySucceeded, Environment: model.EnvDev})
	assert.Equal(t, model.StateIntegrationGate, run.State)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerGatePassed, Gate: model.GateIntegration})
	assert.Equal(t, model.StateE2EGate, run.State)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerGatePassed, Gate: model.GateE2E})
	assert.Equal(t, model.StateStagingPromoting, run.State)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerDeploySucceeded, Environment: model.EnvStagingPromote})
	assert.Equal(t, model.StateStagingDeploying, run.State)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerDeploySucceeded, Environment: model.EnvStaging})
	assert.Equal(t, model.StateRegressionGate, run.State)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerGatePassed, Gate: model.GateRegression})
	assert.Equal(t, model.StateReadyForProd, run.State)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerHumanApproved})
	assert.Equal(t, model.StateProdDeploying, run.State)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerDeploySucceeded, Environment: model.EnvProd})
	assert.Equal(t, model.StateProdDeployed, run.State)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerRequestMerged})
	assert.Equal(t, model.StateDone, run.State)

	assert.Equal(t, []model.GateKind{
		model.GateUnitContract, model.GateIntegration, model.GateE2E, model.GateRegression,
	}, rec.gates)
	assert.Equal(t, []model.Environment{
		model.EnvDev, model.EnvStagingPromote, model.EnvStaging, model.EnvProd,
	}, rec.deploys)
	assert.Empty(t, rec.agents)

	transitions, err := testDB.ListTransitions(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 13)
}

func TestEngineFixCycle(t *testing.T) {
	e, rec := newTestEngine(t)
	run := openRun(t, e)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerGateFailed, Gate: model.GateUnitContract})
	assert.Equal(t, model.StateFixing, run.State)
	assert.Equal(t, 1, run.FixCycleCount)
	assert.Equal(t, []model.AgentSessionKind{model.SessionFix}, rec.agents)

	session, err := testDB.GetActiveSession(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFix, session.Kind)
	// The launch was accepted, so the session is already working.
	assert.Equal(t, model.SessionWorking, session.Status)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerFixAgentPushed, CommitSHA: "fix9999"})
	assert.Equal(t, model.StateJudging, run.State)
	assert.Equal(t, "fix9999", run.CommitSHA)

	session, err = testDB.GetActiveSession(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionJudge, session.Kind)

	// Approval re-runs the failed gate against the fixed commit.
	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerJudgmentApproved})
	assert.Equal(t, model.StateUnitContractGate, run.State)
	assert.Equal(t, []model.GateKind{model.GateUnitContract, model.GateUnitContract}, rec.gates)

	_, err = testDB.GetActiveSession(context.Background(), run.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEngineJudgmentRejectedThenExhausted(t *testing.T) {
	e, _ := newTestEngine(t)
	run := openRun(t, e)

	for cycle := 1; cycle <= 3; cycle++ {
		run = apply(t, e, run, engine.Trigger{Kind: model.TriggerGateFailed, Gate: model.GateUnitContract})
		require.Equal(t, model.StateFixing, run.State)
		require.Equal(t, cycle, run.FixCycleCount)

		run = apply(t, e, run, engine.Trigger{Kind: model.TriggerFixAgentPushed, CommitSHA: fmt.Sprintf("sha%d", cycle)})
		require.Equal(t, model.StateJudging, run.State)

		run = apply(t, e, run, engine.Trigger{Kind: model.TriggerJudgmentApproved})
		require.Equal(t, model.StateUnitContractGate, run.State)
	}

	// Budget spent: the fourth failure is terminal.
	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerGateFailed, Gate: model.GateUnitContract})
	assert.Equal(t, model.StateFailed, run.State)
	require.NotNil(t, run.ErrorMessage)
}

func TestEngineInvalidTriggerDropped(t *testing.T) {
	e, rec := newTestEngine(t)
	run := openRun(t, e)

	// A deploy callback in a gate state is dropped without error.
	got := apply(t, e, run, engine.Trigger{Kind: model.TriggerDeploySucceeded, Environment: model.EnvDev})
	assert.Equal(t, model.StateUnitContractGate, got.State)
	assert.Empty(t, rec.deploys)
}

func TestEngineTriggerOnTerminalRunDropped(t *testing.T) {
	e, _ := newTestEngine(t)
	run := openRun(t, e)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerDeployFailed, Environment: model.EnvDev})
	assert.Equal(t, model.StateUnitContractGate, run.State) // invalid, dropped

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerGateFailed, Gate: model.GateUnitContract})
	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerFixAgentPushed, CommitSHA: "x1"})
	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerJudgmentRejected})
	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerFixAgentPushed, CommitSHA: "x2"})
	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerJudgmentRejected})
	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerFixAgentPushed, CommitSHA: "x3"})
	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerJudgmentRejected})
	assert.Equal(t, model.StateFailed, run.State)

	// Late callbacks for a dead run are ignored.
	got := apply(t, e, run, engine.Trigger{Kind: model.TriggerGatePassed, Gate: model.GateUnitContract})
	assert.Equal(t, model.StateFailed, got.State)
}

func TestEngineEarlyMergeRecovery(t *testing.T) {
	e, rec := newTestEngine(t)
	run := openRun(t, e)

	run = apply(t, e, run, engine.Trigger{Kind: model.TriggerRequestMerged})
	assert.Equal(t, model.StateDevDeploying, run.State)
	assert.Equal(t, []model.Environment{model.EnvDev}, rec.deploys)
}

func TestEngineEffectFailureParksRun(t *testing.T) {
	e, rec := newTestEngine(t)
	run := openRun(t, e)
	rec.fail = true

	err := e.Apply(context.Background(), run.ID, engine.Trigger{Kind: model.TriggerGatePassed, Gate: model.GateUnitContract})
	require.Error(t, err)

	// The transition committed; only the dispatch is missing.
	got, err := testDB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDevDeploying, got.State)
}

func TestEngineConcurrentGateCallbacks(t *testing.T) {
	e, rec := newTestEngine(t)
	run := openRun(t, e)

	// Redelivered pass callback races itself; exactly one transition lands.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Apply(context.Background(), run.ID, engine.Trigger{Kind: model.TriggerGatePassed, Gate: model.GateUnitContract})
		}()
	}
	wg.Wait()

	got, err := testDB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDevDeploying, got.State)
	assert.Equal(t, []model.Environment{model.EnvDev}, rec.deploys)

	transitions, err := testDB.ListTransitions(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 2) // opened + gate passed
}

func TestEngineHooksObserveTransitions(t *testing.T) {
	e, _ := newTestEngine(t)

	type observed struct {
		from    model.RunState
		to      model.RunState
		trigger model.TriggerKind
	}
	var mu sync.Mutex
	var seen []observed
	done := make(chan struct{}, 8)

	e.AddHook(func(_ context.Context, run model.PipelineRun, from model.RunState, trigger model.TriggerKind) {
		mu.Lock()
		seen = append(seen, observed{from: from, to: run.State, trigger: trigger})
		mu.Unlock()
		done <- struct{}{}
	})

	// Hooks run async; wait for each notification before moving on so the
	// observed order is deterministic.
	run := openRun(t, e)
	<-done
	apply(t, e, run, engine.Trigger{Kind: model.TriggerGatePassed, Gate: model.GateUnitContract})
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, observed{model.StateCreated, model.StateUnitContractGate, model.TriggerRequestOpened}, seen[0])
	assert.Equal(t, observed{model.StateUnitContractGate, model.StateDevDeploying, model.TriggerGatePassed}, seen[1])
}

func TestEngineDuplicateCreateRun(t *testing.T) {
	e, _ := newTestEngine(t)
	run := openRun(t, e)

	_, err := e.CreateRun(context.Background(), storage.CreateRunParams{
		SourceRef:    run.SourceRef,
		Branch:       run.Branch,
		TargetBranch: "develop",
		CommitSHA:    "other",
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateRun)
}
