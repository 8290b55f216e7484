package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	return m
}

func TestOperatorTokenRoundTrip(t *testing.T) {
	m := newTestManager(t)
	keyID := uuid.New()

	token, exp, err := m.IssueOperatorToken(keyID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, PurposeOperator, claims.Purpose)
	assert.Equal(t, keyID.String(), claims.KeyID)
	assert.Empty(t, claims.RunID)
}

func TestCallbackTokenRoundTrip(t *testing.T) {
	m := newTestManager(t)
	runID := uuid.New()

	token, err := m.IssueCallbackToken(PurposeGateCallback, runID, time.Hour)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, PurposeGateCallback, claims.Purpose)
	assert.Equal(t, runID.String(), claims.RunID)
}

func TestCallbackTokenRefusesOperatorPurpose(t *testing.T) {
	m := newTestManager(t)
	_, err := m.IssueCallbackToken(PurposeOperator, uuid.New(), time.Hour)
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t)
	token, err := m.IssueCallbackToken(PurposeDeployCallback, uuid.New(), -time.Minute)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	issuer := newTestManager(t)
	verifier := newTestManager(t)

	token, _, err := issuer.IssueOperatorToken(uuid.New())
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("wl_abc_secret")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("wl_abc_secret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("wl_abc_wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyAPIKey("anything", "not-a-hash")
	assert.Error(t, err)
}
