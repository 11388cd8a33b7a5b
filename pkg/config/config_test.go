package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresAgentSecret(t *testing.T) {
	t.Setenv("WARDEN_AGENT_SECRET", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WARDEN_AGENT_SECRET")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WARDEN_AGENT_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.Equal(t, DefaultConfirmTimeout, cfg.ConfirmTimeout)
	assert.Equal(t, DefaultActionTimeout, cfg.ActionTimeout)
	assert.Equal(t, DefaultMaxWalkDepth, cfg.MaxWalkDepth)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WARDEN_AGENT_SECRET", "s3cret")
	t.Setenv("WARDEN_SESSION_TTL", "5m")
	t.Setenv("WARDEN_MAX_WALK_DEPTH", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 10, cfg.MaxWalkDepth)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("WARDEN_AGENT_SECRET", "s3cret")
	t.Setenv("WARDEN_CONFIRM_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
}
