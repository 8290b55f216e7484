package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateDone.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateFixing.IsTerminal())
}

func TestGateStateMapping(t *testing.T) {
	for _, g := range []GateKind{GateUnitContract, GateIntegration, GateE2E, GateRegression} {
		s, ok := StateForGate(g)
		require.True(t, ok, "gate %s has no state", g)
		back, ok := GateForState(s)
		require.True(t, ok)
		assert.Equal(t, g, back)
	}

	_, ok := GateForState(StateFixing)
	assert.False(t, ok)
}

func TestPastDevDeploy(t *testing.T) {
	assert.False(t, StateCreated.PastDevDeploy())
	assert.False(t, StateUnitContractGate.PastDevDeploy())
	assert.False(t, StateFixing.PastDevDeploy())
	assert.True(t, StateDevDeploying.PastDevDeploy())
	assert.True(t, StateIntegrationGate.PastDevDeploy())
	assert.True(t, StateProdDeployed.PastDevDeploy())
}

func TestGenerateAndParseRawKey(t *testing.T) {
	raw, prefix, err := GenerateRawKey()
	require.NoError(t, err)
	assert.Len(t, prefix, 8)

	parsed, err := ParseRawKey(raw)
	require.NoError(t, err)
	assert.Equal(t, prefix, parsed)

	_, err = ParseRawKey("nope")
	assert.Error(t, err)
	_, err = ParseRawKey("wl_short")
	assert.Error(t, err)
}
