package bus

import (
	"context"
	"encoding/json"
	"time"
)

// LifecycleEventKind enumerates the wrapper's state announcements.
type LifecycleEventKind string

const (
	LifecycleStarted   LifecycleEventKind = "started"
	LifecycleCompleted LifecycleEventKind = "completed"
	LifecycleFailed    LifecycleEventKind = "failed"
	LifecycleStopped   LifecycleEventKind = "stopped"
)

// LifecycleEvent is one entry on the worker:lifecycle stream.
// For a given worker, started strictly precedes the matching
// completed/failed; the next started only follows the previous completion.
type LifecycleEvent struct {
	WorkerID  string             `json:"worker_id"`
	Event     LifecycleEventKind `json:"event"`
	Timestamp time.Time          `json:"timestamp"`
	Result    json.RawMessage    `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	ExitCode  *int               `json:"exit_code,omitempty"`
}

// PublishLifecycle appends a lifecycle event for a worker.
func (c *Client) PublishLifecycle(ctx context.Context, event *LifecycleEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := c.Add(ctx, LifecycleStream, event)
	return err
}
