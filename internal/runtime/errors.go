package runtime

import "errors"

// Sentinel errors shared by runtime implementations.
var (
	// ErrContainerNotFound means the named container does not exist.
	ErrContainerNotFound = errors.New("container not found")

	// ErrExecTimeout means an in-container command exceeded its timeout.
	ErrExecTimeout = errors.New("exec timed out")
)
