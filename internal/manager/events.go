package manager

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/covehq/drover/internal/runtime"
	"github.com/covehq/drover/pkg/bus"
)

// EventListener watches the container runtime event feed and synthesizes
// crash records for worker containers that die outside wrapper control.
// This is the only back-edge from the runtime into the bus, and it is
// one-way.
type EventListener struct {
	rt     runtime.ContainerRuntime
	broker *bus.Client
	mgr    *Manager
	log    zerolog.Logger
}

// NewEventListener creates the runtime events listener.
func NewEventListener(rt runtime.ContainerRuntime, broker *bus.Client, mgr *Manager, log zerolog.Logger) *EventListener {
	return &EventListener{rt: rt, broker: broker, mgr: mgr, log: log}
}

// Run consumes runtime events until ctx is cancelled.
func (l *EventListener) Run(ctx context.Context) error {
	events, errs := l.rt.Events(ctx)
	l.log.Info().Msg("events_listener_started")

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("events_listener_stopping")
			return nil
		case err := <-errs:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("runtime event feed failed: %w", err)
		case event, ok := <-events:
			if !ok {
				return nil
			}
			l.handle(ctx, event)
		}
	}
}

// handle processes one runtime event. Only die events for labeled worker
// containers matter; clean exits mark the worker stopped, non-zero exits
// synthesize exactly one crash record on the worker's output stream.
func (l *EventListener) handle(ctx context.Context, event runtime.ContainerEvent) {
	if event.Action != "die" {
		return
	}

	workerID := event.Labels[runtime.LabelWorkerID]
	if workerID == "" {
		// Not a managed worker container.
		return
	}

	if event.ExitCode == "0" {
		l.mgr.MarkStopped(workerID)
		l.removeContainer(ctx, workerID, event.ContainerID)
		return
	}

	l.log.Warn().
		Str("worker_id", workerID).
		Str("exit_code", event.ExitCode).
		Str("container_id", shortID(event.ContainerID)).
		Msg("worker_crashed")

	l.mgr.MarkFailed(workerID)

	record := &bus.CrashRecord{
		Type:        "error",
		TaskID:      l.currentTaskID(ctx, workerID, event),
		Content:     fmt.Sprintf("Worker crashed with exit code %s", event.ExitCode),
		ExitCode:    event.ExitCode,
		ContainerID: event.ContainerID,
	}
	if _, err := l.broker.Add(ctx, bus.OutputStream(workerID), record); err != nil {
		l.log.Error().Err(err).Str("worker_id", workerID).Msg("crash_record_publish_failed")
	}

	l.removeContainer(ctx, workerID, event.ContainerID)
}

// removeContainer releases the dead container. Terminal workers hold no
// container resources.
func (l *EventListener) removeContainer(ctx context.Context, workerID, containerID string) {
	if containerID == "" {
		return
	}
	if err := l.rt.Remove(ctx, containerID, true); err != nil {
		l.log.Warn().Err(err).Str("worker_id", workerID).Msg("dead_container_remove_failed")
	}
}

// currentTaskID attributes the crash to a task: the container label when
// present, otherwise the worker status hash the wrapper maintains (labels
// are fixed at creation, the hash tracks the in-flight task).
func (l *EventListener) currentTaskID(ctx context.Context, workerID string, event runtime.ContainerEvent) string {
	if taskID := event.Labels[runtime.LabelTaskID]; taskID != "" {
		return taskID
	}
	status, err := l.broker.HGetAll(ctx, bus.StatusKey(workerID))
	if err != nil {
		l.log.Warn().Err(err).Str("worker_id", workerID).Msg("crash_attribution_lookup_failed")
		return ""
	}
	return status["task_id"]
}
