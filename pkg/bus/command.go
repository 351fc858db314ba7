package bus

import (
	"fmt"
	"regexp"
)

// CommandKind tags the command union on the command stream.
type CommandKind string

const (
	CommandCreate      CommandKind = "create"
	CommandDelete      CommandKind = "delete"
	CommandStatus      CommandKind = "status"
	CommandSendCommand CommandKind = "send_command"
	CommandSendFile    CommandKind = "send_file"
	CommandGetLogs     CommandKind = "get_logs"
)

// AgentKind identifies a supported CLI-agent family.
type AgentKind string

const (
	AgentClaude  AgentKind = "claude"
	AgentFactory AgentKind = "factory"
)

// AuthMode selects how agent credentials reach the worker container.
type AuthMode string

const (
	// AuthHostSession bind-mounts the host session directory read-only.
	AuthHostSession AuthMode = "host_session"
	// AuthAPIKey injects an API key environment variable.
	AuthAPIKey AuthMode = "api_key"
	// AuthNone provides no credentials.
	AuthNone AuthMode = "none"
)

// workerNamePattern restricts worker names to DNS-safe lowercase tokens.
var workerNamePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// maxWorkerNameLength bounds worker names (DNS label budget).
const maxWorkerNameLength = 253

// WorkerConfig is the payload of a create command.
type WorkerConfig struct {
	Name               string            `json:"name"`
	AgentType          AgentKind         `json:"agent_type"`
	WorkerType         string            `json:"worker_type"`
	Capabilities       []string          `json:"capabilities,omitempty"`
	AuthMode           AuthMode          `json:"auth_mode,omitempty"`
	TTLHours           int               `json:"ttl_hours"`
	EnvVars            map[string]string `json:"env_vars,omitempty"`
	AllowedTools       []string          `json:"allowed_tools,omitempty"`
	MountSessionVolume bool              `json:"mount_session_volume,omitempty"`
	HostClaudeDir      string            `json:"host_claude_dir,omitempty"`
	Instructions       string            `json:"instructions,omitempty"`
}

// Validate checks the worker config against the wire contract.
func (c *WorkerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	if len(c.Name) > maxWorkerNameLength {
		return fmt.Errorf("worker name too long: %d characters (max %d)", len(c.Name), maxWorkerNameLength)
	}
	if !workerNamePattern.MatchString(c.Name) {
		return fmt.Errorf("invalid worker name %q: must match [a-z0-9-]+", c.Name)
	}
	switch c.AgentType {
	case AgentClaude, AgentFactory:
	default:
		return fmt.Errorf("unknown agent type %q", c.AgentType)
	}
	switch c.AuthMode {
	case AuthHostSession, AuthAPIKey, AuthNone, "":
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	if c.TTLHours < 1 {
		return fmt.Errorf("ttl_hours must be >= 1, got %d", c.TTLHours)
	}
	return nil
}

// Command is the tagged-union message on the command stream. Fields beyond
// Command and RequestID are populated per kind; Validate enforces which.
type Command struct {
	Command   CommandKind `json:"command"`
	RequestID string      `json:"request_id"`

	// create
	Config *WorkerConfig `json:"config,omitempty"`

	// all worker-addressed commands
	WorkerID string `json:"worker_id,omitempty"`

	// send_command
	ShellCommand   string `json:"shell_command,omitempty"`
	TimeoutSeconds int    `json:"timeout,omitempty"`

	// send_file
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`

	// get_logs
	Tail int `json:"tail,omitempty"`
}

// Validate checks that the command carries the fields its kind requires.
// Unknown kinds are rejected here so the dispatcher can answer with a
// structured failure instead of guessing.
func (c *Command) Validate() error {
	if c.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}

	switch c.Command {
	case CommandCreate:
		if c.Config == nil {
			return fmt.Errorf("create command requires config")
		}
		return c.Config.Validate()
	case CommandDelete, CommandStatus, CommandGetLogs:
		if c.WorkerID == "" {
			return fmt.Errorf("%s command requires worker_id", c.Command)
		}
	case CommandSendCommand:
		if c.WorkerID == "" || c.ShellCommand == "" {
			return fmt.Errorf("send_command requires worker_id and shell_command")
		}
	case CommandSendFile:
		if c.WorkerID == "" || c.Path == "" {
			return fmt.Errorf("send_file requires worker_id and path")
		}
	default:
		return fmt.Errorf("unknown command %q", c.Command)
	}
	return nil
}

// ResponseFamily returns the response stream family for this command.
// Only create commands carry an initiator family; everything else routes to
// the fallback stream and correlates by request_id.
func (c *Command) ResponseFamily() string {
	if c.Command == CommandCreate && c.Config != nil && c.Config.WorkerType != "" {
		return c.Config.WorkerType
	}
	return DefaultResponseFamily
}
