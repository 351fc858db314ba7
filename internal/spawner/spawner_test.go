package spawner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covehq/drover/internal/image"
	"github.com/covehq/drover/internal/manager"
	"github.com/covehq/drover/internal/runtime"
	"github.com/covehq/drover/internal/runtime/runtimetest"
	"github.com/covehq/drover/internal/settings"
	"github.com/covehq/drover/pkg/bus"
)

// spawnerEnv wires a spawner to a live command consumer backed by the fake
// runtime, so every call exercises the full bus round trip.
type spawnerEnv struct {
	spawner *Spawner
	rt      *runtimetest.FakeRuntime
	broker  *bus.Client
	mgr     *manager.Manager
}

func setupSpawner(t *testing.T) *spawnerEnv {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	broker := bus.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { broker.Close() })

	rt := runtimetest.NewFakeRuntime()
	mgrCfg := &settings.Manager{
		RedisURL:      "redis://redis:6379/0",
		WorkerPrefix:  "worker",
		ImagePrefix:   "worker",
		DockerSocket:  "/var/run/docker.sock",
		IdleThreshold: 30 * time.Minute,
		ReaperTick:    time.Minute,
		ExecTimeout:   30 * time.Second,
	}
	images := image.NewBuilder(map[string]string{"claude": "drover-wrapper-claude:latest"})
	mgr := manager.New(rt, broker, images, mgrCfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = manager.NewConsumer(broker, mgr, "m1", zerolog.Nop()).Run(ctx)
	}()

	cfg := &settings.Spawner{
		WorkerType:     "spawner",
		AgentType:      "claude",
		Capabilities:   []string{"GIT"},
		TTLHours:       2,
		MappingTTL:     time.Hour,
		SessionTTL:     time.Hour,
		RequestTimeout: 5 * time.Second,
		ExecTimeout:    30,
	}

	return &spawnerEnv{
		spawner: New(broker, cfg, zerolog.Nop()),
		rt:      rt,
		broker:  broker,
		mgr:     mgr,
	}
}

func TestGetOrCreateAgent(t *testing.T) {
	env := setupSpawner(t)
	ctx := context.Background()

	workerID, err := env.spawner.GetOrCreateAgent(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "agent-42", workerID)
	assert.NotNil(t, env.rt.Container("worker-agent-42"))

	// Second resolution reuses the mapping: still one container.
	again, err := env.spawner.GetOrCreateAgent(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, workerID, again)
	assert.Len(t, env.rt.Containers(), 1)
}

func TestGetOrCreateAgentReplacesDeadWorker(t *testing.T) {
	env := setupSpawner(t)
	ctx := context.Background()

	workerID, err := env.spawner.GetOrCreateAgent(ctx, "42")
	require.NoError(t, err)

	// The worker is reaped between turns.
	require.NoError(t, env.mgr.Delete(ctx, workerID))

	replacement, err := env.spawner.GetOrCreateAgent(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, workerID, replacement, "name is deterministic per principal")
	assert.NotNil(t, env.rt.Container("worker-agent-42"), "a fresh container must exist")
}

func TestSendMessageRoundTrip(t *testing.T) {
	env := setupSpawner(t)
	ctx := context.Background()

	env.rt.ExecResults = append(env.rt.ExecResults,
		agentReply(`{"result":"Hello!","session_id":"sess-1"}`),
		agentReply(`{"result":"Still here.","session_id":"sess-1"}`),
	)

	reply, err := env.spawner.SendMessage(ctx, "42", "hi there")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", reply)

	// The agent invocation went through the shell with the quoted prompt.
	require.NotEmpty(t, env.rt.ExecCalls)
	first := strings.Join(env.rt.ExecCalls[0], " ")
	assert.Contains(t, first, "claude")
	assert.Contains(t, first, "'hi there'")
	assert.NotContains(t, first, "--resume", "first turn has no session")

	// Session id was round-tripped; second turn resumes it.
	reply, err = env.spawner.SendMessage(ctx, "42", "and now?")
	require.NoError(t, err)
	assert.Equal(t, "Still here.", reply)

	second := strings.Join(env.rt.ExecCalls[len(env.rt.ExecCalls)-1], " ")
	assert.Contains(t, second, "--resume sess-1")

	assert.Len(t, env.rt.Containers(), 1, "both turns share one container")
}

func TestSendMessageEscapesQuotes(t *testing.T) {
	env := setupSpawner(t)

	env.rt.ExecResults = append(env.rt.ExecResults, agentReply(`{"result":"ok"}`))

	_, err := env.spawner.SendMessage(context.Background(), "42", "don't panic")
	require.NoError(t, err)

	shell := strings.Join(env.rt.ExecCalls[len(env.rt.ExecCalls)-1], " ")
	assert.Contains(t, shell, `don'\''t panic`)
}

func TestWorkerNameDerivation(t *testing.T) {
	assert.Equal(t, "agent-42", workerName("42"))
	assert.Equal(t, "agent-alice-b", workerName("Alice B!"))
	assert.Equal(t, "agent-principal", workerName("***"))
}

func TestParseAgentOutput(t *testing.T) {
	t.Run("json with result and session", func(t *testing.T) {
		reply, session := parseAgentOutput(`{"result":"Hello","session_id":"s1"}`)
		assert.Equal(t, "Hello", reply)
		assert.Equal(t, "s1", session)
	})

	t.Run("plain text passes through", func(t *testing.T) {
		reply, session := parseAgentOutput("just text")
		assert.Equal(t, "just text", reply)
		assert.Empty(t, session)
	})
}

func agentReply(stdout string) runtime.ExecResult {
	return runtime.ExecResult{ExitCode: 0, Stdout: stdout}
}
