package bus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *WorkerConfig {
	return &WorkerConfig{
		Name:       "w1",
		AgentType:  AgentClaude,
		WorkerType: "developer",
		TTLHours:   2,
	}
}

func TestWorkerConfigValidate(t *testing.T) {
	t.Run("accepts a valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("rejects bad names", func(t *testing.T) {
		for _, name := range []string{"", "UPPER", "has space", "under_score", strings.Repeat("a", 300)} {
			cfg := validConfig()
			cfg.Name = name
			assert.Error(t, cfg.Validate(), "name %q should be rejected", name)
		}
	})

	t.Run("rejects unknown agent type", func(t *testing.T) {
		cfg := validConfig()
		cfg.AgentType = "gpt"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero TTL", func(t *testing.T) {
		cfg := validConfig()
		cfg.TTLHours = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown auth mode", func(t *testing.T) {
		cfg := validConfig()
		cfg.AuthMode = "keychain"
		assert.Error(t, cfg.Validate())
	})
}

func TestCommandValidate(t *testing.T) {
	t.Run("create requires config", func(t *testing.T) {
		cmd := &Command{Command: CommandCreate, RequestID: "r1"}
		assert.Error(t, cmd.Validate())

		cmd.Config = validConfig()
		assert.NoError(t, cmd.Validate())
	})

	t.Run("worker-addressed commands require worker_id", func(t *testing.T) {
		for _, kind := range []CommandKind{CommandDelete, CommandStatus, CommandGetLogs} {
			cmd := &Command{Command: kind, RequestID: "r1"}
			assert.Error(t, cmd.Validate(), "kind %s", kind)

			cmd.WorkerID = "w1"
			assert.NoError(t, cmd.Validate(), "kind %s", kind)
		}
	})

	t.Run("send_command requires shell command", func(t *testing.T) {
		cmd := &Command{Command: CommandSendCommand, RequestID: "r1", WorkerID: "w1"}
		assert.Error(t, cmd.Validate())

		cmd.ShellCommand = "echo hi"
		assert.NoError(t, cmd.Validate())
	})

	t.Run("unknown kinds are structured errors", func(t *testing.T) {
		cmd := &Command{Command: "destroy_all", RequestID: "r1"}
		err := cmd.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown command")
	})

	t.Run("request id is mandatory", func(t *testing.T) {
		cmd := &Command{Command: CommandDelete, WorkerID: "w1"}
		assert.Error(t, cmd.Validate())
	})
}

func TestResponseFamily(t *testing.T) {
	t.Run("create routes by worker type", func(t *testing.T) {
		cmd := &Command{Command: CommandCreate, Config: &WorkerConfig{WorkerType: "developer"}}
		assert.Equal(t, "developer", cmd.ResponseFamily())
	})

	t.Run("other commands fall back", func(t *testing.T) {
		cmd := &Command{Command: CommandDelete, WorkerID: "w1"}
		assert.Equal(t, DefaultResponseFamily, cmd.ResponseFamily())
	})
}
