// The manager daemon is the single authority over worker containers on its
// host: it consumes the command stream, owns the image cache, watches the
// runtime event feed, and enforces worker lifecycle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/covehq/drover/internal/image"
	"github.com/covehq/drover/internal/logging"
	"github.com/covehq/drover/internal/manager"
	"github.com/covehq/drover/internal/runtime"
	"github.com/covehq/drover/internal/settings"
	"github.com/covehq/drover/pkg/bus"
)

var rootCmd = &cobra.Command{
	Use:   "drover-manager",
	Short: "Worker manager daemon",
	Long: `drover-manager owns worker container lifecycle on this host.

It consumes the worker:commands stream through the worker_manager consumer
group, builds and caches capability images, reaps idle and expired workers,
and synthesizes crash records from the container runtime event feed.`,
	RunE: run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := settings.LoadManager()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	log := logging.New("worker-manager", cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	broker, err := bus.NewClientFromURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	defer broker.Close()
	if err := broker.Ping(ctx); err != nil {
		return fmt.Errorf("broker not reachable: %w", err)
	}

	dockerCli, err := runtime.NewDockerClient(ctx)
	if err != nil {
		return err
	}
	rt := runtime.NewDockerRuntime(dockerCli, cfg.RuntimeConcurrency)

	images := image.NewBuilder(map[string]string{
		"claude":  cfg.ClaudeBaseImage,
		"factory": cfg.FactoryBaseImage,
	})
	if cfg.CapabilityOverridesPath != "" {
		if err := images.LoadOverrides(cfg.CapabilityOverridesPath); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
	}

	mgr := manager.New(rt, broker, images, cfg, log)

	// Cold-start orphan sweep before the first command is consumed.
	if err := mgr.SweepOrphans(ctx); err != nil {
		log.Error().Err(err).Msg("startup_orphan_sweep_failed")
	}

	consumer := manager.NewConsumer(broker, mgr, cfg.ConsumerName, log)
	listener := manager.NewEventListener(rt, broker, mgr, log)
	watcher := manager.NewLifecycleWatcher(broker, mgr, log)
	reaper := manager.NewReaper(mgr, rt, broker, cfg, log)

	loops := []struct {
		name string
		run  func(context.Context) error
	}{
		{"consumer", consumer.Run},
		{"events_listener", listener.Run},
		{"lifecycle_watcher", watcher.Run},
		{"reaper", reaper.Run},
	}

	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(name string, run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil {
				log.Error().Err(err).Str("loop", name).Msg("loop_exited")
				cancel()
			}
		}(loop.name, loop.run)
	}

	<-ctx.Done()
	log.Info().Msg("shutdown_initiated")
	wg.Wait()

	// Final sweep with a fresh context: remove every worker container,
	// including orphans from previous runs.
	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sweepCancel()
	if err := mgr.SweepOrphans(sweepCtx); err != nil {
		log.Error().Err(err).Msg("shutdown_orphan_sweep_failed")
	}

	log.Info().Msg("shutdown_complete")
	return nil
}
