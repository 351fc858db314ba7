package bus

import "fmt"

// Redis stream and key name helpers
//
// All cross-component state lives in Redis under the worker:* namespace.
// Stream entries carry a single "data" field holding a JSON blob; see
// serialization.go for the compatibility rules on read.

const (
	// CommandStream is the single command bus consumed by worker managers.
	CommandStream = "worker:commands"

	// LifecycleStream carries worker lifecycle events emitted by wrappers.
	LifecycleStream = "worker:lifecycle"

	// CommandGroup is the consumer group name worker managers join on the
	// command stream. Each command is delivered to exactly one manager.
	CommandGroup = "worker_manager"

	// DefaultResponseFamily is the fallback response stream suffix used when
	// a command's initiator family cannot be determined.
	DefaultResponseFamily = "default"
)

// ResponseStream returns the response stream for a caller family.
// Pattern: worker:responses:{family}
func ResponseStream(family string) string {
	if family == "" {
		family = DefaultResponseFamily
	}
	return fmt.Sprintf("worker:responses:%s", family)
}

// InputStream returns the per-worker task stream.
// Pattern: worker:{worker_id}:input
func InputStream(workerID string) string {
	return fmt.Sprintf("worker:%s:input", workerID)
}

// OutputStream returns the per-worker result stream.
// Pattern: worker:{worker_id}:output
func OutputStream(workerID string) string {
	return fmt.Sprintf("worker:%s:output", workerID)
}

// SessionKey returns the key holding a worker's agent session id.
// Pattern: worker:session:{worker_id}
func SessionKey(workerID string) string {
	return fmt.Sprintf("worker:session:%s", workerID)
}

// StatusKey returns the per-worker status hash written by the wrapper and
// read by the Docker events listener for crash attribution.
// Pattern: worker:status:{worker_id}
func StatusKey(workerID string) string {
	return fmt.Sprintf("worker:status:%s", workerID)
}

// ImageLastUsedKey returns the key recording when a cached worker image was
// last used. Pattern: worker:image:last_used:{tag}
func ImageLastUsedKey(tag string) string {
	return fmt.Sprintf("worker:image:last_used:%s", tag)
}

// AgentMappingKey returns the key mapping an external principal to its
// worker. Pattern: spawner:agent:{principal_id}
func AgentMappingKey(principalID string) string {
	return fmt.Sprintf("spawner:agent:%s", principalID)
}

// IncomingChannel is the Pub/Sub channel the spawner daemon listens on for
// front-end messages.
const IncomingChannel = "spawner:incoming"

// OutgoingStream returns the stream the spawner writes agent replies to.
// Pattern: spawner:outgoing:{principal_id}
func OutgoingStream(principalID string) string {
	return fmt.Sprintf("spawner:outgoing:%s", principalID)
}
