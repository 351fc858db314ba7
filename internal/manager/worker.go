package manager

import (
	"errors"
	"time"

	"github.com/covehq/drover/pkg/bus"
)

// State is a worker's lifecycle state. Transitions are owned exclusively by
// the Manager:
//
//	CREATING -> RUNNING -> PAUSED <-> RUNNING -> STOPPED|FAILED|EXPIRED
type State string

const (
	StateCreating State = "CREATING"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateStopped  State = "STOPPED"
	StateFailed   State = "FAILED"
	StateExpired  State = "EXPIRED"
)

// Terminal reports whether no container resources are held in this state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed || s == StateExpired
}

// Worker is the manager's record of one logical execution unit. Exactly one
// container exists per live worker.
type Worker struct {
	ID            string
	Name          string
	ContainerID   string
	ContainerName string
	AgentKind     bus.AgentKind
	WorkerType    string
	Capabilities  []string
	ImageTag      string
	State         State
	TTL           time.Duration
	CreatedAt     time.Time
	LastActivity  time.Time
}

// Sentinel errors for manager operations.
var (
	// ErrWorkerNotFound means no live worker with that id is known.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrInvalidState means the operation does not apply in the worker's
	// current state (e.g. resuming a running worker).
	ErrInvalidState = errors.New("invalid worker state for operation")
)
