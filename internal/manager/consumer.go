package manager

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/covehq/drover/pkg/bus"
)

const (
	consumerBatchSize = 10
	consumerBlock     = 5 * time.Second
)

// Consumer reads the command stream through the worker_manager consumer
// group, dispatches to the Manager, and publishes correlated responses.
// Poison pills are answered (when a request_id survives parsing) and ACKed
// so they cannot wedge the stream.
type Consumer struct {
	broker *bus.Client
	mgr    *Manager
	log    zerolog.Logger
	name   string
}

// NewConsumer creates a command consumer identified by name within the
// consumer group.
func NewConsumer(broker *bus.Client, mgr *Manager, name string, log zerolog.Logger) *Consumer {
	return &Consumer{broker: broker, mgr: mgr, log: log, name: name}
}

// Run consumes commands until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.broker.EnsureGroup(ctx, bus.CommandStream, bus.CommandGroup); err != nil {
		return err
	}
	c.log.Info().Str("consumer", c.name).Msg("command_consumer_started")

	for {
		messages, err := c.broker.ReadGroup(ctx, bus.CommandStream, bus.CommandGroup, c.name, consumerBatchSize, consumerBlock)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("command_consumer_stopping")
				return nil
			}
			c.log.Error().Err(err).Msg("command_read_failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			c.process(ctx, msg)
			if err := c.broker.Ack(ctx, bus.CommandStream, bus.CommandGroup, msg.ID); err != nil {
				c.log.Error().Err(err).Str("entry", msg.ID).Msg("command_ack_failed")
			}
		}
	}
}

// process handles one command entry. It never returns an error: every
// outcome is either a published response or a logged poison pill, and the
// caller ACKs regardless.
func (c *Consumer) process(ctx context.Context, msg bus.Message) {
	var cmd bus.Command
	if err := msg.DecodeData(&cmd); err != nil {
		c.log.Error().Err(err).Str("entry", msg.ID).Msg("invalid_command_entry")
		return
	}

	if err := cmd.Validate(); err != nil {
		c.log.Error().Err(err).Str("entry", msg.ID).Str("request_id", cmd.RequestID).Msg("invalid_command")
		if cmd.RequestID != "" {
			c.respond(ctx, &cmd, bus.FailureResponse(cmd.RequestID, err))
		}
		return
	}

	c.log.Info().
		Str("command", string(cmd.Command)).
		Str("request_id", cmd.RequestID).
		Msg("processing_command")

	c.respond(ctx, &cmd, c.dispatch(ctx, &cmd))
}

// dispatch routes a validated command to the manager and shapes the
// response. Operational failures become structured error responses.
func (c *Consumer) dispatch(ctx context.Context, cmd *bus.Command) *bus.Response {
	switch cmd.Command {
	case bus.CommandCreate:
		workerID, err := c.mgr.Create(ctx, cmd.Config)
		if err != nil {
			return bus.FailureResponse(cmd.RequestID, err)
		}
		return &bus.Response{RequestID: cmd.RequestID, Success: true, WorkerID: workerID}

	case bus.CommandDelete:
		if err := c.mgr.Delete(ctx, cmd.WorkerID); err != nil {
			return bus.FailureResponse(cmd.RequestID, err)
		}
		return &bus.Response{RequestID: cmd.RequestID, Success: true}

	case bus.CommandStatus:
		status, err := c.mgr.Status(ctx, cmd.WorkerID)
		if err != nil {
			return bus.FailureResponse(cmd.RequestID, err)
		}
		return &bus.Response{RequestID: cmd.RequestID, Success: true, Status: status}

	case bus.CommandSendCommand:
		res, err := c.mgr.SendCommand(ctx, cmd.WorkerID, cmd.ShellCommand, time.Duration(cmd.TimeoutSeconds)*time.Second)
		if err != nil {
			return bus.FailureResponse(cmd.RequestID, err)
		}
		exitCode := res.ExitCode
		return &bus.Response{
			RequestID: cmd.RequestID,
			Success:   true,
			ExitCode:  &exitCode,
			Stdout:    res.Stdout,
			Stderr:    res.Stderr,
		}

	case bus.CommandSendFile:
		if err := c.mgr.SendFile(ctx, cmd.WorkerID, cmd.Path, cmd.Content); err != nil {
			return bus.FailureResponse(cmd.RequestID, err)
		}
		return &bus.Response{RequestID: cmd.RequestID, Success: true}

	case bus.CommandGetLogs:
		logs, err := c.mgr.Logs(ctx, cmd.WorkerID, cmd.Tail)
		if err != nil {
			return bus.FailureResponse(cmd.RequestID, err)
		}
		return &bus.Response{RequestID: cmd.RequestID, Success: true, Logs: logs}
	}

	// Validate rejects unknown kinds before dispatch.
	return bus.FailureResponse(cmd.RequestID, errors.New("unhandled command"))
}

func (c *Consumer) respond(ctx context.Context, cmd *bus.Command, resp *bus.Response) {
	stream := bus.ResponseStream(cmd.ResponseFamily())
	if _, err := c.broker.Add(ctx, stream, resp); err != nil {
		c.log.Error().Err(err).Str("request_id", resp.RequestID).Str("stream", stream).Msg("response_publish_failed")
	}
}
