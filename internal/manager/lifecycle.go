package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/covehq/drover/pkg/bus"
)

// lifecyclePollInterval paces the lifecycle stream tail.
const lifecyclePollInterval = 500 * time.Millisecond

// LifecycleWatcher tails the worker:lifecycle stream and feeds worker
// activity into the manager. Activity is owned here, by the manager, not by
// the spawner or the wrapper: every lifecycle event a worker emits resets
// its idle clock.
type LifecycleWatcher struct {
	broker *bus.Client
	mgr    *Manager
	log    zerolog.Logger
}

// NewLifecycleWatcher creates the lifecycle stream watcher.
func NewLifecycleWatcher(broker *bus.Client, mgr *Manager, log zerolog.Logger) *LifecycleWatcher {
	return &LifecycleWatcher{broker: broker, mgr: mgr, log: log}
}

// Run tails lifecycle events until ctx is cancelled. Only events appended
// after startup are observed; historical activity is irrelevant to the
// idle clock.
func (w *LifecycleWatcher) Run(ctx context.Context) error {
	lastID, err := w.broker.LastID(ctx, bus.LifecycleStream)
	if err != nil {
		return err
	}
	w.log.Info().Msg("lifecycle_watcher_started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("lifecycle_watcher_stopping")
			return nil
		case <-time.After(lifecyclePollInterval):
		}

		messages, err := w.broker.ReadAfter(ctx, bus.LifecycleStream, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error().Err(err).Msg("lifecycle_read_failed")
			continue
		}

		for _, msg := range messages {
			lastID = msg.ID

			var event bus.LifecycleEvent
			if err := msg.Decode(&event); err != nil {
				w.log.Warn().Err(err).Str("entry", msg.ID).Msg("invalid_lifecycle_event")
				continue
			}
			if event.WorkerID == "" {
				continue
			}

			w.mgr.TouchActivity(event.WorkerID)

			if event.Event == bus.LifecycleFailed {
				w.log.Warn().
					Str("worker_id", event.WorkerID).
					Str("error", event.Error).
					Msg("worker_task_failed")
			}
		}
	}
}
