package wrapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covehq/drover/pkg/bus"
)

type wrapperEnv struct {
	w      *Wrapper
	broker *bus.Client
	cfg    *Config
}

func setupWrapper(t *testing.T, agentType string) *wrapperEnv {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	broker := bus.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { broker.Close() })

	cfg := &Config{
		WorkerID:          "w1",
		RedisURL:          "redis://" + mr.Addr(),
		AgentType:         agentType,
		InputStream:       bus.InputStream("w1"),
		OutputStream:      bus.OutputStream("w1"),
		ConsumerGroup:     "workers",
		ConsumerName:      "w1",
		SubprocessTimeout: 5 * time.Second,
		SessionTTL:        time.Hour,
	}

	w, err := New(cfg, broker, zerolog.Nop())
	require.NoError(t, err)

	return &wrapperEnv{w: w, broker: broker, cfg: cfg}
}

// stubAgent replaces subprocess execution with a canned outcome.
func (e *wrapperEnv) stubAgent(exitCode int, stdout, stderr string, err error) {
	e.w.execCommand = func(context.Context, []string) (int, string, string, error) {
		return exitCode, stdout, stderr, err
	}
}

// deliver pushes a task and processes it the way the consume loop would.
func (e *wrapperEnv) deliver(t *testing.T, task *bus.TaskMessage) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.broker.EnsureGroup(ctx, e.cfg.InputStream, e.cfg.ConsumerGroup))
	_, err := e.broker.Add(ctx, e.cfg.InputStream, task)
	require.NoError(t, err)

	messages, err := e.broker.ReadGroup(ctx, e.cfg.InputStream, e.cfg.ConsumerGroup, e.cfg.ConsumerName, 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	e.w.process(ctx, messages[0])
	require.NoError(t, e.broker.Ack(ctx, e.cfg.InputStream, e.cfg.ConsumerGroup, messages[0].ID))
}

func (e *wrapperEnv) lifecycleEvents(t *testing.T) []bus.LifecycleEvent {
	t.Helper()
	messages, err := e.broker.ReadAfter(context.Background(), bus.LifecycleStream, "-")
	require.NoError(t, err)

	var events []bus.LifecycleEvent
	for _, msg := range messages {
		var event bus.LifecycleEvent
		require.NoError(t, msg.Decode(&event))
		events = append(events, event)
	}
	return events
}

func (e *wrapperEnv) outputEntries(t *testing.T) []bus.Message {
	t.Helper()
	messages, err := e.broker.ReadAfter(context.Background(), e.cfg.OutputStream, "-")
	require.NoError(t, err)
	return messages
}

func TestProcessHappyPath(t *testing.T) {
	env := setupWrapper(t, "claude")
	stdout := fmt.Sprintf("working...\n<result>%s</result>\n", `{"status":"success","files":3}`)
	env.stubAgent(0, stdout, "", nil)

	env.deliver(t, &bus.TaskMessage{Content: "Do X", TaskID: "task-1", RequestID: "req-1"})

	// Exactly one (started, completed) pair, in order.
	events := env.lifecycleEvents(t)
	require.Len(t, events, 2)
	assert.Equal(t, bus.LifecycleStarted, events[0].Event)
	assert.Equal(t, bus.LifecycleCompleted, events[1].Event)
	assert.Equal(t, "w1", events[0].WorkerID)

	// Exactly one output entry carrying the result block's JSON.
	entries := env.outputEntries(t)
	require.Len(t, entries, 1)
	var result map[string]any
	require.NoError(t, entries[0].Decode(&result))
	assert.Equal(t, "success", result["status"])
	assert.Equal(t, float64(3), result["files"])

	// Task context persisted for crash attribution.
	status, err := env.broker.HGetAll(context.Background(), bus.StatusKey("w1"))
	require.NoError(t, err)
	assert.Equal(t, "task-1", status["task_id"])
	assert.Equal(t, "req-1", status["request_id"])
}

func TestProcessNoResultFallback(t *testing.T) {
	env := setupWrapper(t, "claude")
	env.stubAgent(0, "ok, done", "", nil)

	env.deliver(t, &bus.TaskMessage{Content: "Do X"})

	events := env.lifecycleEvents(t)
	require.Len(t, events, 2)
	assert.Equal(t, bus.LifecycleCompleted, events[1].Event)

	entries := env.outputEntries(t)
	require.Len(t, entries, 1)
	var fallback bus.FallbackResult
	require.NoError(t, entries[0].Decode(&fallback))
	assert.Equal(t, "ok, done", fallback.RawOutput)
	assert.Equal(t, bus.NoStructuredResult, fallback.Status)
}

func TestProcessAgentFailure(t *testing.T) {
	env := setupWrapper(t, "claude")
	env.stubAgent(2, "", "boom", nil)

	env.deliver(t, &bus.TaskMessage{Content: "Do X"})

	events := env.lifecycleEvents(t)
	require.Len(t, events, 2)
	assert.Equal(t, bus.LifecycleStarted, events[0].Event)
	assert.Equal(t, bus.LifecycleFailed, events[1].Event)
	assert.Contains(t, events[1].Error, "boom")
	require.NotNil(t, events[1].ExitCode)
	assert.Equal(t, 2, *events[1].ExitCode)

	assert.Empty(t, env.outputEntries(t), "failed tasks publish no result")
}

func TestProcessTimeout(t *testing.T) {
	env := setupWrapper(t, "claude")
	env.stubAgent(-1, "", "", errors.New("agent timed out after 5s"))

	env.deliver(t, &bus.TaskMessage{Content: "Do X"})

	events := env.lifecycleEvents(t)
	require.Len(t, events, 2)
	assert.Equal(t, bus.LifecycleFailed, events[1].Event)
	assert.Contains(t, events[1].Error, "timed out")
	assert.Empty(t, env.outputEntries(t))
}

func TestProcessMalformedResult(t *testing.T) {
	env := setupWrapper(t, "claude")
	env.stubAgent(0, "<result>not json</result>", "", nil)

	env.deliver(t, &bus.TaskMessage{Content: "Do X"})

	events := env.lifecycleEvents(t)
	require.Len(t, events, 2)
	assert.Equal(t, bus.LifecycleFailed, events[1].Event)
	assert.Contains(t, events[1].Error, "malformed result block")
	assert.Empty(t, env.outputEntries(t), "malformed results publish nothing")
}

func TestClaudeSessionCapturedOnFirstTurn(t *testing.T) {
	env := setupWrapper(t, "claude")

	var seenArgv []string
	turn := 0
	env.w.execCommand = func(_ context.Context, argv []string) (int, string, string, error) {
		seenArgv = argv
		turn++
		out, _ := json.Marshal(map[string]string{
			"type":       "result",
			"result":     "done",
			"session_id": "minted-by-agent",
		})
		return 0, string(out), "", nil
	}

	// First turn: no pre-generated session, id captured from output.
	env.deliver(t, &bus.TaskMessage{Content: "turn one"})
	assert.NotContains(t, seenArgv, "--resume", "claude must not get a pre-generated session id")

	sessions := bus.NewSessionStore(env.broker, time.Hour)
	id, err := sessions.Get(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "minted-by-agent", id)

	// Second turn resumes the captured session.
	env.deliver(t, &bus.TaskMessage{Content: "turn two"})
	assert.Contains(t, seenArgv, "--resume")
	assert.Contains(t, seenArgv, "minted-by-agent")
	assert.Equal(t, 2, turn)
}

func TestFactorySessionIsPreGenerated(t *testing.T) {
	env := setupWrapper(t, "factory")
	env.stubAgent(0, `{"ok":true}`, "", nil)

	env.deliver(t, &bus.TaskMessage{Content: "Do X"})

	// The wrapper minted a session up front for wrapper-managed families.
	sessions := bus.NewSessionStore(env.broker, time.Hour)
	id, err := sessions.Get(context.Background(), "w1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestProcessMissingContent(t *testing.T) {
	env := setupWrapper(t, "claude")
	env.stubAgent(0, "unused", "", nil)

	env.deliver(t, &bus.TaskMessage{TaskID: "task-1"})

	events := env.lifecycleEvents(t)
	require.Len(t, events, 2)
	assert.Equal(t, bus.LifecycleStarted, events[0].Event)
	assert.Equal(t, bus.LifecycleFailed, events[1].Event)
	assert.Contains(t, events[1].Error, "content")
}
