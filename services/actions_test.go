package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionTokenRoundTrip(t *testing.T) {
	issuer := NewActionTokenIssuer("test-secret", "https://pagemesh.example.com", time.Hour)

	token, err := issuer.Mint("inc-1", "alice", ActionAcknowledge)
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "inc-1", claims.IncidentID)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, ActionAcknowledge, claims.Action)
}

func TestActionTokenWrongSecretRejected(t *testing.T) {
	issuer := NewActionTokenIssuer("secret-a", "https://pagemesh.example.com", time.Hour)
	other := NewActionTokenIssuer("secret-b", "https://pagemesh.example.com", time.Hour)

	token, err := issuer.Mint("inc-1", "alice", ActionResolve)
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestActionTokenExpiryRejected(t *testing.T) {
	issuer := NewActionTokenIssuer("test-secret", "https://pagemesh.example.com", -time.Minute)

	token, err := issuer.Mint("inc-1", "alice", ActionAcknowledge)
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.Error(t, err, "expired tokens must be rejected")
}

func TestActionURLUnconfiguredIssuer(t *testing.T) {
	issuer := NewActionTokenIssuer("", "", time.Hour)
	assert.Empty(t, issuer.ActionURL("inc-1", "alice", ActionAcknowledge))
}
