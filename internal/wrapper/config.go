package wrapper

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the wrapper's runtime configuration loaded from environment
// variables. All required fields are validated at startup so a
// misconfigured container fails fast before touching the broker.
type Config struct {
	// WorkerID identifies this worker (from WORKER_ID).
	WorkerID string

	// RedisURL is the broker connection string (from WORKER_REDIS_URL).
	RedisURL string

	// AgentType selects the runner (from WORKER_AGENT_TYPE).
	AgentType string

	// InputStream is the per-worker task stream (from WORKER_INPUT_STREAM).
	InputStream string

	// OutputStream receives task results (from WORKER_OUTPUT_STREAM).
	OutputStream string

	// ConsumerGroup / ConsumerName join the input stream's consumer group
	// (from WORKER_CONSUMER_GROUP / WORKER_CONSUMER_NAME).
	ConsumerGroup string
	ConsumerName  string

	// SubprocessTimeout bounds one agent invocation
	// (from WORKER_SUBPROCESS_TIMEOUT_SECONDS, default 300).
	SubprocessTimeout time.Duration

	// SessionTTL bounds the stored session id
	// (from WORKER_SESSION_TTL_SECONDS, default 7 days).
	SessionTTL time.Duration
}

// LoadConfig reads and validates wrapper configuration from the
// environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		WorkerID:      os.Getenv("WORKER_ID"),
		RedisURL:      os.Getenv("WORKER_REDIS_URL"),
		AgentType:     os.Getenv("WORKER_AGENT_TYPE"),
		InputStream:   os.Getenv("WORKER_INPUT_STREAM"),
		OutputStream:  os.Getenv("WORKER_OUTPUT_STREAM"),
		ConsumerGroup: os.Getenv("WORKER_CONSUMER_GROUP"),
		ConsumerName:  os.Getenv("WORKER_CONSUMER_NAME"),
	}

	timeoutSec, err := envSeconds("WORKER_SUBPROCESS_TIMEOUT_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	cfg.SubprocessTimeout = timeoutSec

	sessionTTL, err := envSeconds("WORKER_SESSION_TTL_SECONDS", 7*24*3600)
	if err != nil {
		return nil, err
	}
	cfg.SessionTTL = sessionTTL

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required fields are present.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"WORKER_ID", c.WorkerID},
		{"WORKER_REDIS_URL", c.RedisURL},
		{"WORKER_AGENT_TYPE", c.AgentType},
		{"WORKER_INPUT_STREAM", c.InputStream},
		{"WORKER_OUTPUT_STREAM", c.OutputStream},
		{"WORKER_CONSUMER_GROUP", c.ConsumerGroup},
		{"WORKER_CONSUMER_NAME", c.ConsumerName},
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%s environment variable is required", field.name)
		}
	}
	return nil
}

func envSeconds(name string, fallback int) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return time.Duration(fallback) * time.Second, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, raw)
	}
	return time.Duration(n) * time.Second, nil
}
