package runtime

import (
	"context"
	"time"
)

// ContainerState is the coarse container state reported by the runtime.
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StatePaused  ContainerState = "paused"
	StateExited  ContainerState = "exited"
	StateDead    ContainerState = "dead"
	StateUnknown ContainerState = "unknown"
)

// MountSpec describes one bind mount.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is everything needed to create and start a worker container.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     []string
	Labels  map[string]string
	Network string // empty selects the runtime default network
	Mounts  []MountSpec
}

// ContainerSummary is one entry of a container listing.
type ContainerSummary struct {
	ID     string
	Name   string
	State  ContainerState
	Labels map[string]string
}

// ExecResult captures a command executed inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ContainerEvent is one runtime event. ExitCode is only meaningful for die
// actions and is carried as the string the runtime reports.
type ContainerEvent struct {
	Action      string
	ContainerID string
	Labels      map[string]string
	ExitCode    string
}

// ContainerRuntime abstracts the container engine. The production
// implementation wraps the Docker SDK client; tests substitute a fake.
// All calls honor ctx and are safe for concurrent use.
type ContainerRuntime interface {
	// Images
	ImageExists(ctx context.Context, tag string) (bool, error)
	BuildImage(ctx context.Context, dockerfile, tag string) error
	RemoveImage(ctx context.Context, tag string) error
	ListImages(ctx context.Context, repository string) ([]string, error)

	// Containers
	CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error)
	Pause(ctx context.Context, nameOrID string) error
	Unpause(ctx context.Context, nameOrID string) error
	Remove(ctx context.Context, nameOrID string, force bool) error
	Inspect(ctx context.Context, nameOrID string) (ContainerState, error)
	Exec(ctx context.Context, nameOrID string, cmd []string, timeout time.Duration) (ExecResult, error)
	Logs(ctx context.Context, nameOrID string, tail int) (string, error)
	List(ctx context.Context, labelFilters map[string]string, all bool) ([]ContainerSummary, error)

	// Events streams runtime events until ctx is cancelled.
	Events(ctx context.Context) (<-chan ContainerEvent, <-chan error)
}
