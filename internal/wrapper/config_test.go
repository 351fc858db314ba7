package wrapper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setWrapperEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WORKER_ID", "w1")
	t.Setenv("WORKER_REDIS_URL", "redis://redis:6379/0")
	t.Setenv("WORKER_AGENT_TYPE", "claude")
	t.Setenv("WORKER_INPUT_STREAM", "worker:w1:input")
	t.Setenv("WORKER_OUTPUT_STREAM", "worker:w1:output")
	t.Setenv("WORKER_CONSUMER_GROUP", "workers")
	t.Setenv("WORKER_CONSUMER_NAME", "w1")
}

func TestLoadConfig(t *testing.T) {
	t.Run("loads a complete environment", func(t *testing.T) {
		setWrapperEnv(t)

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "w1", cfg.WorkerID)
		assert.Equal(t, "claude", cfg.AgentType)
		assert.Equal(t, 300*time.Second, cfg.SubprocessTimeout)
		assert.Equal(t, 7*24*time.Hour, cfg.SessionTTL)
	})

	t.Run("every required variable is enforced", func(t *testing.T) {
		required := []string{
			"WORKER_ID", "WORKER_REDIS_URL", "WORKER_AGENT_TYPE",
			"WORKER_INPUT_STREAM", "WORKER_OUTPUT_STREAM",
			"WORKER_CONSUMER_GROUP", "WORKER_CONSUMER_NAME",
		}
		for _, name := range required {
			t.Run(name, func(t *testing.T) {
				setWrapperEnv(t)
				t.Setenv(name, "")

				_, err := LoadConfig()
				require.Error(t, err)
				assert.Contains(t, err.Error(), name)
			})
		}
	})

	t.Run("timeout overrides", func(t *testing.T) {
		setWrapperEnv(t)
		t.Setenv("WORKER_SUBPROCESS_TIMEOUT_SECONDS", "60")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.SubprocessTimeout)
	})

	t.Run("rejects non-numeric timeout", func(t *testing.T) {
		setWrapperEnv(t)
		t.Setenv("WORKER_SUBPROCESS_TIMEOUT_SECONDS", "soon")

		_, err := LoadConfig()
		assert.Error(t, err)
	})
}
