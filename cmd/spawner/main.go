// The spawner daemon maps external principals to long-lived workers and
// relays their messages to the in-container agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/covehq/drover/internal/logging"
	"github.com/covehq/drover/internal/settings"
	"github.com/covehq/drover/internal/spawner"
	"github.com/covehq/drover/pkg/bus"
)

var rootCmd = &cobra.Command{
	Use:   "drover-spawner",
	Short: "Principal-to-worker session daemon",
	Long: `drover-spawner listens for front-end messages, resolves (or creates)
a persistent worker per principal, relays each message to the agent inside
that worker, and replies on the principal's outgoing stream.`,
	RunE: run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := settings.LoadSpawner()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	log := logging.New("spawner", cfg.LogLevel)

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

	return spawner.New(broker, cfg, log).Run(ctx)
}
