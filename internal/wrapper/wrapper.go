// Package wrapper implements the process that runs as the entrypoint of
// every worker container: it consumes the worker's task stream, drives the
// agent subprocess, publishes results, and announces lifecycle events.
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/covehq/drover/internal/wrapper/runner"
	"github.com/covehq/drover/pkg/bus"
)

const (
	// consumeBlock bounds one blocking read on the input stream.
	consumeBlock = 5 * time.Second

	// maxOutputSize caps captured agent stdout/stderr at 10MB each.
	maxOutputSize = 10 * 1024 * 1024

	// stderrTailLen bounds the stderr excerpt carried in failure events.
	stderrTailLen = 2000
)

// Wrapper consumes one worker's input stream and executes tasks through
// the agent runner. Exactly one lifecycle pair (started, completed|failed)
// is emitted per consumed message, before the ACK.
type Wrapper struct {
	cfg      *Config
	broker   *bus.Client
	sessions *bus.SessionStore
	run      runner.Runner
	log      zerolog.Logger

	// execCommand is swapped in tests to avoid spawning real agents.
	execCommand func(ctx context.Context, argv []string) (int, string, string, error)
}

// New creates a wrapper for the configured agent family.
func New(cfg *Config, broker *bus.Client, log zerolog.Logger) (*Wrapper, error) {
	run, err := runner.Lookup(cfg.AgentType)
	if err != nil {
		return nil, err
	}

	w := &Wrapper{
		cfg:      cfg,
		broker:   broker,
		sessions: bus.NewSessionStore(broker, cfg.SessionTTL),
		run:      run,
		log:      log,
	}
	w.execCommand = w.runSubprocess
	return w, nil
}

// Run consumes tasks until ctx is cancelled, then emits a stopped
// lifecycle event and returns.
func (w *Wrapper) Run(ctx context.Context) error {
	if err := w.broker.EnsureGroup(ctx, w.cfg.InputStream, w.cfg.ConsumerGroup); err != nil {
		return err
	}
	w.log.Info().Str("input_stream", w.cfg.InputStream).Msg("wrapper_started")

	for {
		messages, err := w.broker.ReadGroup(ctx, w.cfg.InputStream, w.cfg.ConsumerGroup, w.cfg.ConsumerName, 1, consumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error().Err(err).Msg("task_read_failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}

		for _, msg := range messages {
			w.process(ctx, msg)
			if err := w.broker.Ack(ctx, w.cfg.InputStream, w.cfg.ConsumerGroup, msg.ID); err != nil {
				w.log.Error().Err(err).Str("entry", msg.ID).Msg("task_ack_failed")
			}
		}

		if ctx.Err() != nil {
			break
		}
	}

	// Announce the clean shutdown with a fresh context; ctx is done.
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.broker.PublishLifecycle(stopCtx, &bus.LifecycleEvent{
		WorkerID: w.cfg.WorkerID,
		Event:    bus.LifecycleStopped,
	}); err != nil {
		w.log.Warn().Err(err).Msg("stopped_event_publish_failed")
	}

	w.log.Info().Msg("wrapper_stopped")
	return nil
}

// process executes one task message end to end. Every path out of here has
// emitted the matching completed or failed event; the caller ACKs.
func (w *Wrapper) process(ctx context.Context, msg bus.Message) {
	var task bus.TaskMessage
	if err := msg.Decode(&task); err != nil {
		w.log.Error().Err(err).Str("entry", msg.ID).Msg("invalid_task_entry")
		w.publishLifecycle(ctx, bus.LifecycleStarted, nil, "")
		w.publishLifecycle(ctx, bus.LifecycleFailed, nil, fmt.Sprintf("invalid task entry: %v", err))
		return
	}
	w.log.Info().Str("entry", msg.ID).Str("task_id", task.TaskID).Msg("processing_task")

	// Persist the task identity first so a crash mid-execution can be
	// attributed by the events listener.
	w.recordTaskContext(ctx, &task)

	w.publishLifecycle(ctx, bus.LifecycleStarted, nil, "")

	if task.Content == "" {
		w.log.Error().Str("entry", msg.ID).Msg("task_missing_content")
		w.publishLifecycle(ctx, bus.LifecycleFailed, nil, "task data missing content")
		return
	}

	sessionID, err := w.resolveSession(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("session_resolution_failed")
		w.publishLifecycle(ctx, bus.LifecycleFailed, nil, fmt.Sprintf("session resolution failed: %v", err))
		return
	}

	argv := w.run.BuildArgv(task.Content, sessionID)
	w.log.Info().Strs("argv", argv[:1]).Bool("has_session", sessionID != "").Msg("executing_agent")

	exitCode, stdout, stderr, err := w.execCommand(ctx, argv)
	if err != nil || exitCode != 0 {
		reason := fmt.Sprintf("agent exited with code %d: %s", exitCode, tail(stderr, stderrTailLen))
		if err != nil {
			reason = fmt.Sprintf("agent execution failed: %v: %s", err, tail(stderr, stderrTailLen))
		}
		w.log.Error().Int("exit_code", exitCode).Msg("agent_process_failed")
		w.publishFailed(ctx, reason, exitCode)
		return
	}

	// First turn of a self-managed session family: capture the id the
	// agent minted and persist it.
	if w.run.ManagesOwnSession() && sessionID == "" {
		if captured := w.run.ExtractSessionID(stdout); captured != "" {
			w.log.Info().Str("session_id", captured).Msg("captured_agent_session")
			if err := w.sessions.Set(ctx, w.cfg.WorkerID, captured); err != nil {
				w.log.Warn().Err(err).Msg("session_persist_failed")
			}
		}
	}

	result, err := ParseResult(stdout)
	if err != nil {
		w.log.Error().Err(err).Msg("result_parsing_failed")
		w.publishFailed(ctx, err.Error(), exitCode)
		return
	}

	if result == nil {
		w.log.Warn().Msg("no_result_block_found")
		fallback := &bus.FallbackResult{RawOutput: stdout, Status: bus.NoStructuredResult}
		raw, _ := json.Marshal(fallback)
		w.publishResult(ctx, raw)
		w.publishLifecycle(ctx, bus.LifecycleCompleted, raw, "")
		return
	}

	w.publishResult(ctx, result)
	w.publishLifecycle(ctx, bus.LifecycleCompleted, result, "")
}

// resolveSession returns the session id for this turn. Families that mint
// their own ids only ever read the store; everyone else gets
// first-writer-wins creation.
func (w *Wrapper) resolveSession(ctx context.Context) (string, error) {
	if w.run.ManagesOwnSession() {
		return w.sessions.Get(ctx, w.cfg.WorkerID)
	}
	return w.sessions.GetOrCreate(ctx, w.cfg.WorkerID)
}

// recordTaskContext writes task identifiers into the worker status hash.
func (w *Wrapper) recordTaskContext(ctx context.Context, task *bus.TaskMessage) {
	fields := make(map[string]string, 2)
	if task.TaskID != "" {
		fields["task_id"] = task.TaskID
	}
	if task.RequestID != "" {
		fields["request_id"] = task.RequestID
	}
	if len(fields) == 0 {
		return
	}
	if err := w.broker.HSet(ctx, bus.StatusKey(w.cfg.WorkerID), fields); err != nil {
		w.log.Warn().Err(err).Msg("task_context_persist_failed")
	}
}

func (w *Wrapper) publishResult(ctx context.Context, result json.RawMessage) {
	if _, err := w.broker.Add(ctx, w.cfg.OutputStream, result); err != nil {
		w.log.Error().Err(err).Msg("result_publish_failed")
	}
}

func (w *Wrapper) publishFailed(ctx context.Context, reason string, exitCode int) {
	event := &bus.LifecycleEvent{
		WorkerID: w.cfg.WorkerID,
		Event:    bus.LifecycleFailed,
		Error:    reason,
		ExitCode: &exitCode,
	}
	if err := w.broker.PublishLifecycle(ctx, event); err != nil {
		w.log.Error().Err(err).Msg("lifecycle_publish_failed")
	}
}

func (w *Wrapper) publishLifecycle(ctx context.Context, kind bus.LifecycleEventKind, result json.RawMessage, errMsg string) {
	event := &bus.LifecycleEvent{
		WorkerID: w.cfg.WorkerID,
		Event:    kind,
		Result:   result,
		Error:    errMsg,
	}
	if err := w.broker.PublishLifecycle(ctx, event); err != nil {
		w.log.Error().Err(err).Str("event", string(kind)).Msg("lifecycle_publish_failed")
	}
}

// runSubprocess executes the agent argv with the configured timeout and
// output caps. Returns the exit code and captured streams; err is non-nil
// when the process could not run or timed out.
func (w *Wrapper) runSubprocess(ctx context.Context, argv []string) (int, string, string, error) {
	execCtx, cancel := context.WithTimeout(ctx, w.cfg.SubprocessTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	cmd.Stdout = &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	err := cmd.Run()
	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return -1, stdout, stderr, fmt.Errorf("agent timed out after %s", w.cfg.SubprocessTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), stdout, stderr, nil
		}
		return -1, stdout, stderr, err
	}

	return 0, stdout, stderr, nil
}

// limitedWriter discards writes past its limit while reporting success, so
// a runaway agent cannot exhaust memory.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}
	n, err := lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
