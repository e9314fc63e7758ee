package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 85, cfg.WorkerCount)
	assert.Equal(t, 1000, cfg.QueueMaxsize)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 300*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, "/data/events.db", cfg.DBPath)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WORKER_COUNT", "10")
	t.Setenv("QUEUE_MAXSIZE", "50")
	t.Setenv("RETRY_BASE_DELAY", "0.25")
	t.Setenv("RETRY_MAX_DELAY", "60")
	t.Setenv("CLEANUP_INTERVAL_HOURS", "2")
	t.Setenv("DB_PATH", "/tmp/test-events.db")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.WorkerCount)
	assert.Equal(t, 50, cfg.QueueMaxsize)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, time.Minute, cfg.RetryMaxDelay)
	assert.Equal(t, 2*time.Hour, cfg.CleanupInterval)
	assert.Equal(t, "/tmp/test-events.db", cfg.DBPath)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("WORKER_COUNT", "not-a-number")
	t.Setenv("RETRY_BASE_DELAY", "-3")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 85, cfg.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.RetryBaseDelay)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg, err := config.Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := valid()
	cfg.WorkerCount = 0
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.RetryMaxDelay = cfg.RetryBaseDelay / 2
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.DBPath = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.RetentionDays = -1
	assert.Error(t, cfg.Validate())
}
