package agents_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-ci/windlass/internal/agents"
	"github.com/windlass-ci/windlass/internal/auth"
	"github.com/windlass-ci/windlass/internal/model"
	"github.com/windlass-ci/windlass/internal/testutil"
)

type fakeDispatcher struct {
	file   string
	ref    string
	inputs map[string]string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, file, ref string, inputs map[string]string) error {
	f.file, f.ref, f.inputs = file, ref, inputs
	return nil
}

func TestLaunchFixAgent(t *testing.T) {
	tokens, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	fd := &fakeDispatcher{}
	l := agents.NewLauncher(fd, tokens, "https://windlass.example.com", time.Hour, testutil.TestLogger())

	gate := model.GateE2E
	run := model.PipelineRun{
		ID:             uuid.New(),
		Branch:         "feature/cart",
		CommitSHA:      "abc1234",
		LastFailedGate: &gate,
	}
	require.NoError(t, l.LaunchAgent(context.Background(), run, model.SessionFix))

	assert.Equal(t, "agent-fix.yml", fd.file)
	assert.Equal(t, "feature/cart", fd.ref)
	assert.Equal(t, "e2e", fd.inputs["failed_gate"])
	// Fix agents report by pushing; they get no callback credentials.
	assert.NotContains(t, fd.inputs, "callback_token")
}

func TestLaunchJudgeAgentGetsCallbackToken(t *testing.T) {
	tokens, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	fd := &fakeDispatcher{}
	l := agents.NewLauncher(fd, tokens, "https://windlass.example.com", time.Hour, testutil.TestLogger())

	run := model.PipelineRun{ID: uuid.New(), Branch: "feature/cart", CommitSHA: "abc1234"}
	require.NoError(t, l.LaunchAgent(context.Background(), run, model.SessionJudge))

	assert.Equal(t, "agent-judge.yml", fd.file)
	assert.Equal(t, "https://windlass.example.com/api/judgment-complete", fd.inputs["callback_url"])

	claims, err := tokens.ValidateToken(fd.inputs["callback_token"])
	require.NoError(t, err)
	assert.Equal(t, auth.PurposeJudgeCallback, claims.Purpose)
	assert.Equal(t, run.ID.String(), claims.RunID)
}
