package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManagerDefaults(t *testing.T) {
	cfg, err := LoadManager()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "worker", cfg.WorkerPrefix)
	assert.Equal(t, "worker", cfg.ImagePrefix)
	assert.Equal(t, 30*time.Minute, cfg.IdleThreshold)
	assert.Equal(t, time.Minute, cfg.ReaperTick)
	assert.Equal(t, 72*time.Hour, cfg.ImageRetention)
	assert.Equal(t, 5, cfg.RuntimeConcurrency)
	assert.NotEmpty(t, cfg.ConsumerName)
}

func TestLoadManagerEnvOverrides(t *testing.T) {
	t.Setenv("DROVER_REDIS_URL", "redis://broker:6379/2")
	t.Setenv("DROVER_WORKER_PREFIX", "agent")
	t.Setenv("DROVER_IDLE_THRESHOLD", "10m")

	cfg, err := LoadManager()
	require.NoError(t, err)
	assert.Equal(t, "redis://broker:6379/2", cfg.RedisURL)
	assert.Equal(t, "agent", cfg.WorkerPrefix)
	assert.Equal(t, 10*time.Minute, cfg.IdleThreshold)
}

func TestLoadSpawnerDefaults(t *testing.T) {
	cfg, err := LoadSpawner()
	require.NoError(t, err)

	assert.Equal(t, "spawner", cfg.WorkerType)
	assert.Equal(t, "claude", cfg.AgentType)
	assert.Equal(t, 2, cfg.TTLHours)
	assert.Equal(t, 7*24*time.Hour, cfg.MappingTTL)
}

func TestLoadSpawnerRejectsBadTTL(t *testing.T) {
	t.Setenv("DROVER_SPAWNER_TTL_HOURS", "0")

	_, err := LoadSpawner()
	assert.Error(t, err)
}
