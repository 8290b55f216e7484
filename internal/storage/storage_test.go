package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/storage"
	"github.com/windlass-ci/windlass/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

var sourceRefSeq int64 = 1000

func nextSourceRef() int64 {
	sourceRefSeq++
	return sourceRefSeq
}

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

func mustCreateRun(t *testing.T) model.PipelineRun {
	t.Helper()
	run, err := testDB.CreateRun(context.Background(), storage.CreateRunParams{
		SourceRef:    nextSourceRef(),
		Branch:       fmt.Sprintf("feature/test-%d", sourceRefSeq),
		TargetBranch: "develop",
		CommitSHA:    "aaaa111",
		MaxFixCycles: 3,
	})
	require.NoError(t, err)
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()

	run := mustCreateRun(t)
	assert.Equal(t, model.StateCreated, run.State)
	assert.Equal(t, 0, run.FixCycleCount)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Branch, got.Branch)
	assert.Equal(t, "develop", got.TargetBranch)
}

func TestGetRunNotFound(t *testing.T) {
	_, err := testDB.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDuplicateActiveRunRejected(t *testing.T) {
	ctx := context.Background()
	ref := nextSourceRef()

	_, err := testDB.CreateRun(ctx, storage.CreateRunParams{
		SourceRef: ref, Branch: "feature/dup", TargetBranch: "develop",
		CommitSHA: "bbb", MaxFixCycles: 3,
	})
	require.NoError(t, err)

	_, err = testDB.CreateRun(ctx, storage.CreateRunParams{
		SourceRef: ref, Branch: "feature/dup", TargetBranch: "develop",
		CommitSHA: "ccc", MaxFixCycles: 3,
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateRun)
}

func TestNewRunAllowedAfterTerminal(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	require.NoError(t, testDB.ApplyTransition(ctx, storage.TransitionParams{
		RunID:     run.ID,
		FromState: model.StateCreated,
		ToState:   model.StateFailed,
		Trigger:   model.TriggerGateFailed,
	}))

	// Same source ref can start a fresh run once the old one is terminal.
	_, err := testDB.CreateRun(ctx, storage.CreateRunParams{
		SourceRef: run.SourceRef, Branch: run.Branch, TargetBranch: "develop",
		CommitSHA: "ddd", MaxFixCycles: 3,
	})
	require.NoError(t, err)
}

func TestGetActiveRunBySourceRef(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	got, err := testDB.GetActiveRunBySourceRef(ctx, run.SourceRef)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = testDB.GetActiveRunBySourceRef(ctx, 999999999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetActiveRunByBranch(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	got, err := testDB.GetActiveRunByBranch(ctx, run.Branch)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

func TestApplyTransitionRecordsLog(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	err := testDB.ApplyTransition(ctx, storage.TransitionParams{
		RunID:     run.ID,
		FromState: model.StateCreated,
		ToState:   model.StateUnitContractGate,
		Trigger:   model.TriggerRequestOpened,
		Note:      "change request opened",
	})
	require.NoError(t, err)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateUnitContractGate, got.State)

	transitions, err := testDB.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, model.StateCreated, transitions[0].FromState)
	assert.Equal(t, model.StateUnitContractGate, transitions[0].ToState)
	assert.Equal(t, model.TriggerRequestOpened, transitions[0].Trigger)
}

func TestApplyTransitionStaleState(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	err := testDB.ApplyTransition(ctx, storage.TransitionParams{
		RunID:     run.ID,
		FromState: model.StateDevDeployed, // run is actually in created
		ToState:   model.StateIntegrationGate,
		Trigger:   model.TriggerGateDispatched,
	})
	assert.ErrorIs(t, err, storage.ErrStaleRun)

	// No log entry on rollback.
	transitions, err := testDB.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

func TestApplyTransitionUpdatesRunFields(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	cycles := 1
	gate := model.GateUnitContract
	kind := model.SessionFix
	err := testDB.ApplyTransition(ctx, storage.TransitionParams{
		RunID:          run.ID,
		FromState:      model.StateCreated,
		ToState:        model.StateFixing,
		Trigger:        model.TriggerGateFailed,
		FixCycleCount:  &cycles,
		LastFailedGate: &gate,
		OpenSession:    &kind,
	})
	require.NoError(t, err)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFixing, got.State)
	assert.Equal(t, 1, got.FixCycleCount)
	require.NotNil(t, got.LastFailedGate)
	assert.Equal(t, model.GateUnitContract, *got.LastFailedGate)

	session, err := testDB.GetActiveSession(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFix, session.Kind)
	assert.Equal(t, model.SessionLaunched, session.Status)
}

func TestApplyTransitionClosesAndOpensSessions(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	fix := model.SessionFix
	require.NoError(t, testDB.ApplyTransition(ctx, storage.TransitionParams{
		RunID:       run.ID,
		FromState:   model.StateCreated,
		ToState:     model.StateFixing,
		Trigger:     model.TriggerGateFailed,
		OpenSession: &fix,
	}))

	// Fix agent pushed: close the fix session with its result commit and
	// open the judge session atomically.
	sha := "eeee222"
	judge := model.SessionJudge
	require.NoError(t, testDB.ApplyTransition(ctx, storage.TransitionParams{
		RunID:     run.ID,
		FromState: model.StateFixing,
		ToState:   model.StateJudging,
		Trigger:   model.TriggerFixAgentPushed,
		CommitSHA: &sha,
		CloseSession: &storage.SessionClose{
			Status:          model.SessionCompleted,
			ResultCommitSHA: &sha,
		},
		OpenSession: &judge,
	}))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "eeee222", got.CommitSHA)

	active, err := testDB.GetActiveSession(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionJudge, active.Kind)

	sessions, err := testDB.ListSessions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func TestOpenSessionConflict(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	fix := model.SessionFix
	require.NoError(t, testDB.ApplyTransition(ctx, storage.TransitionParams{
		RunID:       run.ID,
		FromState:   model.StateCreated,
		ToState:     model.StateFixing,
		Trigger:     model.TriggerGateFailed,
		OpenSession: &fix,
	}))

	judge := model.SessionJudge
	err := testDB.ApplyTransition(ctx, storage.TransitionParams{
		RunID:       run.ID,
		FromState:   model.StateFixing,
		ToState:     model.StateJudging,
		Trigger:     model.TriggerFixAgentPushed,
		OpenSession: &judge,
	})
	assert.ErrorIs(t, err, storage.ErrSessionConflict)

	// The whole transition rolled back with it.
	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFixing, got.State)
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = testDB.ApplyTransition(ctx, storage.TransitionParams{
				RunID:     run.ID,
				FromState: model.StateCreated,
				ToState:   model.StateUnitContractGate,
				Trigger:   model.TriggerRequestOpened,
			})
		}()
	}
	wg.Wait()

	var wins, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		default:
			assert.ErrorIs(t, err, storage.ErrStaleRun)
			stale++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, stale)

	transitions, err := testDB.ListTransitions(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	mustCreateRun(t)

	runs, total, err := testDB.ListRuns(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, runs)
	assert.GreaterOrEqual(t, total, len(runs))

	state := model.StateCreated
	filtered, _, err := testDB.ListRuns(ctx, &state, 100, 0)
	require.NoError(t, err)
	for _, r := range filtered {
		assert.Equal(t, model.StateCreated, r.State)
	}
}

func TestGateLifecycle(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	gr, err := testDB.CreatePendingGate(ctx, run.ID, model.GateUnitContract, run.CommitSHA)
	require.NoError(t, err)
	assert.Equal(t, model.GateStatusPending, gr.Status)

	pending, err := testDB.GetPendingGate(ctx, run.ID, model.GateUnitContract)
	require.NoError(t, err)
	assert.Equal(t, gr.ID, pending.ID)

	require.NoError(t, testDB.FinalizeGate(ctx, run.ID, model.GateUnitContract, model.GateStatusPassed))

	// A duplicate callback finds nothing pending.
	err = testDB.FinalizeGate(ctx, run.ID, model.GateUnitContract, model.GateStatusPassed)
	assert.ErrorIs(t, err, storage.ErrGateAlreadyFinal)

	results, err := testDB.ListGateResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.GateStatusPassed, results[0].Status)
	assert.NotNil(t, results[0].CompletedAt)
}

func TestFinalizeGateRejectsNonTerminal(t *testing.T) {
	run := mustCreateRun(t)
	err := testDB.FinalizeGate(context.Background(), run.ID, model.GateUnitContract, model.GateStatusPending)
	require.Error(t, err)
}

func TestMarkSessionWorking(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t)

	fix := model.SessionFix
	require.NoError(t, testDB.ApplyTransition(ctx, storage.TransitionParams{
		RunID:       run.ID,
		FromState:   model.StateCreated,
		ToState:     model.StateFixing,
		Trigger:     model.TriggerGateFailed,
		OpenSession: &fix,
	}))

	session, err := testDB.GetActiveSession(ctx, run.ID)
	require.NoError(t, err)

	require.NoError(t, testDB.MarkSessionWorking(ctx, session.ID))
	err = testDB.MarkSessionWorking(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEventDedupe(t *testing.T) {
	ctx := context.Background()
	eventID := uuid.NewString()

	first, err := testDB.MarkEventProcessed(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := testDB.MarkEventProcessed(ctx, eventID)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestSweepProcessedEvents(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.MarkEventProcessed(ctx, uuid.NewString())
	require.NoError(t, err)

	// Nothing is older than an hour; the fresh record survives.
	removed, err := testDB.SweepProcessedEvents(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()

	raw, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	key, err := testDB.CreateAPIKey(ctx, prefix, "hash-placeholder", "test key")
	require.NoError(t, err)

	got, err := testDB.GetActiveKeyByPrefix(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, "test key", got.Label)

	require.NoError(t, testDB.RevokeAPIKey(ctx, key.ID))

	_, err = testDB.GetActiveKeyByPrefix(ctx, prefix)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = testDB.RevokeAPIKey(ctx, key.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBootstrapAdminKeyIdempotent(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testDB.BootstrapAdminKey(ctx, "bootprefix", "hash1"))
	require.NoError(t, testDB.BootstrapAdminKey(ctx, "bootprefix", "hash2"))

	got, err := testDB.GetActiveKeyByPrefix(ctx, "bootprefix")
	require.NoError(t, err)
	assert.Equal(t, "hash1", got.KeyHash)
}
