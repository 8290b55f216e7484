package deploy_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass-ci/windlass/internal/auth"
	"github.com/windlass-ci/windlass/internal/deploy"
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

func TestDispatchDeployUsesIntegrationBranch(t *testing.T) {
	tokens, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	fd := &fakeDispatcher{}
	d := deploy.NewDispatcher(fd, tokens, "https://windlass.example.com", "develop", time.Hour, testutil.TestLogger())

	run := model.PipelineRun{ID: uuid.New(), Branch: "feature/cart", CommitSHA: "abc1234"}
	require.NoError(t, d.DispatchDeploy(context.Background(), run, model.EnvStaging))

	assert.Equal(t, "deploy-staging.yml", fd.file)
	assert.Equal(t, "develop", fd.ref) // never the change branch
	assert.Equal(t, run.ID.String(), fd.inputs["run_id"])
	assert.Equal(t, "staging", fd.inputs["environment"])
	assert.Equal(t, "abc1234", fd.inputs["commit_sha"])
	assert.Equal(t, "https://windlass.example.com/api/deploy-complete", fd.inputs["callback_url"])

	claims, err := tokens.ValidateToken(fd.inputs["callback_token"])
	require.NoError(t, err)
	assert.Equal(t, auth.PurposeDeployCallback, claims.Purpose)
	assert.Equal(t, run.ID.String(), claims.RunID)
}

func TestWorkflowForEnvironment(t *testing.T) {
	for env, want := range map[model.Environment]string{
		model.EnvDev:            "deploy-dev.yml",
		model.EnvStagingPromote: "promote-staging.yml",
		model.EnvStaging:        "deploy-staging.yml",
		model.EnvProd:           "deploy-prod.yml",
	} {
		got, ok := deploy.WorkflowForEnvironment(env)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := deploy.WorkflowForEnvironment(model.Environment("qa"))
	assert.False(t, ok)
}
