package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/audit-orchestrator/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "audit:events", cfg.StreamName)
	assert.Equal(t, "audit:dlq", cfg.DLQStream)
	assert.Equal(t, "audit", cfg.KeyPrefix)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Block())
	assert.Equal(t, 5*time.Second, cfg.IdleReclaim())
	assert.Equal(t, 7*24*time.Hour, cfg.DedupeTTL())
	assert.Equal(t, 5*time.Minute, cfg.LockTTL())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.True(t, cfg.IsDev())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("STREAM_NAME", "jobs:events")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("APP_ENV", "prod")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	assert.Equal(t, "jobs:events", cfg.StreamName)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "0")

	_, err := config.Load()
	require.Error(t, err)
}

func TestPhaseTimeout(t *testing.T) {
	t.Setenv("CODE_TIMEOUT_S", "120")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, cfg.PhaseTimeout("CODE"))
	assert.Equal(t, 600*time.Second, cfg.PhaseTimeout("analyse"))
	assert.Equal(t, 300*time.Second, cfg.PhaseTimeout("review"))
	// Unknown phases fall back to the analyze bound.
	assert.Equal(t, 600*time.Second, cfg.PhaseTimeout("unknown"))
}
