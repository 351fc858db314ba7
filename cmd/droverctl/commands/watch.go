package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/covehq/drover/pkg/bus"
)

var watchFromStart bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail worker lifecycle events",
	Long: `Tail the worker:lifecycle stream and print each event.

Examples:
  # Follow new events
  droverctl watch

  # Replay the whole stream first
  droverctl watch --from-start`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchFromStart, "from-start", false, "Replay existing events before following")
	rootCmd.AddCommand(watchCmd)
}

var (
	startedColor   = color.New(color.FgCyan)
	completedColor = color.New(color.FgGreen)
	failedColor    = color.New(color.FgRed, color.Bold)
	stoppedColor   = color.New(color.FgYellow)
)

func runWatch(cmd *cobra.Command, args []string) error {
	broker, err := bus.NewClientFromURL(redisURL)
	if err != nil {
		return err
	}
	defer broker.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lastID := "0-0"
	if !watchFromStart {
		if lastID, err = broker.LastID(ctx, bus.LifecycleStream); err != nil {
			return err
		}
	}

	fmt.Fprintln(os.Stderr, "Watching worker lifecycle events (ctrl-c to stop)...")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}

		messages, err := broker.ReadAfter(ctx, bus.LifecycleStream, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, msg := range messages {
			lastID = msg.ID

			var event bus.LifecycleEvent
			if err := msg.Decode(&event); err != nil {
				continue
			}
			printEvent(&event)
		}
	}
}

func printEvent(event *bus.LifecycleEvent) {
	c := stoppedColor
	switch event.Event {
	case bus.LifecycleStarted:
		c = startedColor
	case bus.LifecycleCompleted:
		c = completedColor
	case bus.LifecycleFailed:
		c = failedColor
	}

	line := fmt.Sprintf("%s  %-10s %s",
		event.Timestamp.Format(time.RFC3339), event.Event, event.WorkerID)
	if event.Error != "" {
		line += "  " + event.Error
	}
	c.Println(line)
}
