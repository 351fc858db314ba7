package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/covehq/drover/internal/runtime"
	"github.com/covehq/drover/internal/settings"
	"github.com/covehq/drover/pkg/bus"
)

// Reaper runs the periodic lifecycle enforcement: idle-pause, TTL expiry,
// and image cache GC.
type Reaper struct {
	mgr    *Manager
	rt     runtime.ContainerRuntime
	broker *bus.Client
	cfg    *settings.Manager
	log    zerolog.Logger
}

// NewReaper creates the lifecycle reaper.
func NewReaper(mgr *Manager, rt runtime.ContainerRuntime, broker *bus.Client, cfg *settings.Manager, log zerolog.Logger) *Reaper {
	return &Reaper{mgr: mgr, rt: rt, broker: broker, cfg: cfg, log: log}
}

// Run ticks the worker passes every ReaperTick and the image GC every
// ImageGCTick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	workerTick := time.NewTicker(r.cfg.ReaperTick)
	defer workerTick.Stop()
	imageTick := time.NewTicker(r.cfg.ImageGCTick)
	defer imageTick.Stop()

	r.log.Info().
		Dur("idle_threshold", r.cfg.IdleThreshold).
		Dur("image_retention", r.cfg.ImageRetention).
		Msg("reaper_started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper_stopping")
			return nil
		case <-workerTick.C:
			r.WorkerPass(ctx)
		case <-imageTick.C:
			r.ImageGCPass(ctx)
		}
	}
}

// WorkerPass enforces TTL expiry and idle-pause over all tracked workers.
// TTL wins over idle-pause when both apply.
func (r *Reaper) WorkerPass(ctx context.Context) {
	now := time.Now().UTC()

	for _, worker := range r.mgr.Workers() {
		if worker.State.Terminal() {
			continue
		}

		if now.Sub(worker.CreatedAt) > worker.TTL {
			r.log.Info().
				Str("worker_id", worker.ID).
				Dur("age", now.Sub(worker.CreatedAt)).
				Msg("ttl_expired")
			if err := r.mgr.Expire(ctx, worker.ID); err != nil {
				r.log.Error().Err(err).Str("worker_id", worker.ID).Msg("expire_failed")
			}
			continue
		}

		if worker.State == StateRunning && now.Sub(worker.LastActivity) > r.cfg.IdleThreshold {
			r.log.Info().
				Str("worker_id", worker.ID).
				Dur("idle", now.Sub(worker.LastActivity)).
				Msg("auto_pausing_idle_worker")
			if err := r.mgr.Pause(ctx, worker.ID); err != nil {
				r.log.Error().Err(err).Str("worker_id", worker.ID).Msg("auto_pause_failed")
			}
		}
	}
}

// ImageGCPass removes cached worker images not used within the retention
// window. Images backing a live worker are never removed.
func (r *Reaper) ImageGCPass(ctx context.Context) {
	tags, err := r.rt.ListImages(ctx, r.cfg.ImagePrefix)
	if err != nil {
		r.log.Error().Err(err).Msg("image_gc_list_failed")
		return
	}

	live := make(map[string]bool)
	for _, worker := range r.mgr.Workers() {
		if !worker.State.Terminal() {
			live[worker.ImageTag] = true
		}
	}

	cutoff := time.Now().UTC().Add(-r.cfg.ImageRetention)
	for _, tag := range tags {
		if live[tag] {
			continue
		}

		lastUsed, err := r.broker.Get(ctx, bus.ImageLastUsedKey(tag))
		if err != nil {
			r.log.Warn().Err(err).Str("tag", tag).Msg("image_gc_lookup_failed")
			continue
		}

		stale := lastUsed == ""
		if !stale {
			ts, err := time.Parse(time.RFC3339, lastUsed)
			stale = err != nil || ts.Before(cutoff)
		}
		if !stale {
			continue
		}

		r.log.Info().Str("tag", tag).Msg("removing_stale_image")
		if err := r.rt.RemoveImage(ctx, tag); err != nil {
			r.log.Error().Err(err).Str("tag", tag).Msg("image_remove_failed")
			continue
		}
		if err := r.broker.Delete(ctx, bus.ImageLastUsedKey(tag)); err != nil {
			r.log.Warn().Err(err).Str("tag", tag).Msg("image_gc_key_cleanup_failed")
		}
	}
}
