// Package settings loads per-daemon configuration from the environment.
// Values are resolved once at startup and immutable afterwards.
package settings

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Manager holds the worker manager daemon configuration.
type Manager struct {
	RedisURL string

	// WorkerPrefix prefixes every worker container name.
	WorkerPrefix string
	// ImagePrefix is the repository part of cached worker image tags.
	ImagePrefix string
	// Network is the container network workers join; empty selects the
	// runtime default, "host" selects host networking.
	Network string
	// ClaudeBaseImage / FactoryBaseImage are the wrapper base images per
	// agent kind.
	ClaudeBaseImage  string
	FactoryBaseImage string
	// CapabilityOverridesPath optionally extends the capability map.
	CapabilityOverridesPath string

	// HostClaudeDir is the host session directory mounted read-only into
	// workers using host_session auth.
	HostClaudeDir string
	// DockerSocket is mounted into workers with the DOCKER capability.
	DockerSocket string

	// ConsumerName identifies this manager in the command consumer group.
	ConsumerName string

	IdleThreshold  time.Duration
	ReaperTick     time.Duration
	ImageRetention time.Duration
	ImageGCTick    time.Duration

	ExecTimeout        time.Duration
	RuntimeConcurrency int
	LogLevel           string
}

// LoadManager reads manager settings from DROVER_* environment variables.
func LoadManager() (*Manager, error) {
	v := viper.New()
	v.SetEnvPrefix("DROVER")
	v.AutomaticEnv()

	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("WORKER_PREFIX", "worker")
	v.SetDefault("IMAGE_PREFIX", "worker")
	v.SetDefault("NETWORK", "")
	v.SetDefault("CLAUDE_BASE_IMAGE", "drover-wrapper-claude:latest")
	v.SetDefault("FACTORY_BASE_IMAGE", "drover-wrapper-factory:latest")
	v.SetDefault("CAPABILITY_OVERRIDES", "")
	v.SetDefault("HOST_CLAUDE_DIR", "")
	v.SetDefault("DOCKER_SOCKET", "/var/run/docker.sock")
	v.SetDefault("IDLE_THRESHOLD", "30m")
	v.SetDefault("REAPER_TICK", "60s")
	v.SetDefault("IMAGE_RETENTION", "72h")
	v.SetDefault("IMAGE_GC_TICK", "1h")
	v.SetDefault("EXEC_TIMEOUT", "120s")
	v.SetDefault("RUNTIME_CONCURRENCY", 5)
	v.SetDefault("LOG_LEVEL", "info")

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker-manager-1"
	}
	v.SetDefault("CONSUMER_NAME", hostname)

	s := &Manager{
		RedisURL:                v.GetString("REDIS_URL"),
		WorkerPrefix:            v.GetString("WORKER_PREFIX"),
		ImagePrefix:             v.GetString("IMAGE_PREFIX"),
		Network:                 v.GetString("NETWORK"),
		ClaudeBaseImage:         v.GetString("CLAUDE_BASE_IMAGE"),
		FactoryBaseImage:        v.GetString("FACTORY_BASE_IMAGE"),
		CapabilityOverridesPath: v.GetString("CAPABILITY_OVERRIDES"),
		HostClaudeDir:           v.GetString("HOST_CLAUDE_DIR"),
		DockerSocket:            v.GetString("DOCKER_SOCKET"),
		ConsumerName:            v.GetString("CONSUMER_NAME"),
		IdleThreshold:           v.GetDuration("IDLE_THRESHOLD"),
		ReaperTick:              v.GetDuration("REAPER_TICK"),
		ImageRetention:          v.GetDuration("IMAGE_RETENTION"),
		ImageGCTick:             v.GetDuration("IMAGE_GC_TICK"),
		ExecTimeout:             v.GetDuration("EXEC_TIMEOUT"),
		RuntimeConcurrency:      v.GetInt("RUNTIME_CONCURRENCY"),
		LogLevel:                v.GetString("LOG_LEVEL"),
	}

	if s.WorkerPrefix == "" {
		return nil, fmt.Errorf("DROVER_WORKER_PREFIX cannot be empty")
	}
	if s.IdleThreshold <= 0 || s.ReaperTick <= 0 {
		return nil, fmt.Errorf("reaper intervals must be positive")
	}
	return s, nil
}

// Spawner holds the spawner daemon configuration.
type Spawner struct {
	RedisURL string

	// WorkerType selects the response stream create replies arrive on.
	WorkerType string
	// AgentType is the agent family spawned for principals.
	AgentType string
	// Capabilities granted to spawned workers.
	Capabilities []string
	// TTLHours applied to spawned workers.
	TTLHours int

	// HostClaudeDir, when set, switches spawned workers to host_session
	// auth with the session volume mounted.
	HostClaudeDir string

	// MappingTTL bounds the principal -> worker mapping independent of the
	// worker's own TTL.
	MappingTTL time.Duration
	// SessionTTL bounds stored agent session ids.
	SessionTTL time.Duration
	// RequestTimeout bounds one command round trip on the bus.
	RequestTimeout time.Duration
	// ExecTimeout is passed to send_command for agent invocations.
	ExecTimeout int
	LogLevel    string
}

// LoadSpawner reads spawner settings from DROVER_* environment variables.
func LoadSpawner() (*Spawner, error) {
	v := viper.New()
	v.SetEnvPrefix("DROVER")
	v.AutomaticEnv()

	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("SPAWNER_WORKER_TYPE", "spawner")
	v.SetDefault("SPAWNER_AGENT_TYPE", "claude")
	v.SetDefault("SPAWNER_CAPABILITIES", []string{"GIT"})
	v.SetDefault("SPAWNER_TTL_HOURS", 2)
	v.SetDefault("HOST_CLAUDE_DIR", "")
	v.SetDefault("SPAWNER_MAPPING_TTL", "168h")
	v.SetDefault("SPAWNER_SESSION_TTL", "168h")
	v.SetDefault("SPAWNER_REQUEST_TIMEOUT", "30s")
	v.SetDefault("SPAWNER_EXEC_TIMEOUT", 120)
	v.SetDefault("LOG_LEVEL", "info")

	s := &Spawner{
		RedisURL:       v.GetString("REDIS_URL"),
		WorkerType:     v.GetString("SPAWNER_WORKER_TYPE"),
		AgentType:      v.GetString("SPAWNER_AGENT_TYPE"),
		Capabilities:   v.GetStringSlice("SPAWNER_CAPABILITIES"),
		TTLHours:       v.GetInt("SPAWNER_TTL_HOURS"),
		HostClaudeDir:  v.GetString("HOST_CLAUDE_DIR"),
		MappingTTL:     v.GetDuration("SPAWNER_MAPPING_TTL"),
		SessionTTL:     v.GetDuration("SPAWNER_SESSION_TTL"),
		RequestTimeout: v.GetDuration("SPAWNER_REQUEST_TIMEOUT"),
		ExecTimeout:    v.GetInt("SPAWNER_EXEC_TIMEOUT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
	}

	if s.TTLHours < 1 {
		return nil, fmt.Errorf("DROVER_SPAWNER_TTL_HOURS must be >= 1")
	}
	return s, nil
}
