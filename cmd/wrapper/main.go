// The wrapper binary is PID 1 of every worker container. It consumes the
// worker's task stream, runs the agent, and reports lifecycle events.
//
// Exit codes: 0 clean shutdown, 1 fatal configuration error, 2 broker
// unreachable after the retry budget.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/covehq/drover/internal/logging"
	"github.com/covehq/drover/internal/wrapper"
	"github.com/covehq/drover/pkg/bus"
)

const (
	exitConfigError = 1
	exitBrokerError = 2
)

// connectAttempts bounds broker connection retries at startup.
const connectAttempts = 5

var rootCmd = &cobra.Command{
	Use:   "drover-wrapper",
	Short: "In-container worker entrypoint",
	Long: `drover-wrapper runs inside each worker container: it consumes the
per-worker input stream, spawns the agent subprocess, extracts structured
results, and emits lifecycle events. Configuration comes from WORKER_*
environment variables.`,
	RunE: run,
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfigError)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log := logging.New("worker-wrapper", os.Getenv("WORKER_LOG_LEVEL"))

	cfg, err := wrapper.LoadConfig()
	if err != nil {
		log.Error().Err(err).Msg("configuration_error")
		os.Exit(exitConfigError)
	}
	log = log.With().Str("worker_id", cfg.WorkerID).Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	broker, err := bus.NewClientFromURL(cfg.RedisURL)
	if err != nil {
		log.Error().Err(err).Msg("configuration_error")
		os.Exit(exitConfigError)
	}
	defer broker.Close()

	if err := waitForBroker(ctx, broker); err != nil {
		log.Error().Err(err).Msg("broker_unreachable")
		os.Exit(exitBrokerError)
	}

	w, err := wrapper.New(cfg, broker, log)
	if err != nil {
		log.Error().Err(err).Msg("configuration_error")
		os.Exit(exitConfigError)
	}

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("wrapper_failed")
		os.Exit(exitBrokerError)
	}
	return nil
}

// waitForBroker pings the broker with a short linear backoff.
func waitForBroker(ctx context.Context, broker *bus.Client) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = broker.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("broker unreachable after %d attempts: %w", connectAttempts, err)
}
