package manager

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covehq/drover/internal/runtime"
	"github.com/covehq/drover/pkg/bus"
)

func setupListener(t *testing.T) (*testEnv, *EventListener) {
	env := setupManager(t)
	listener := NewEventListener(env.rt, env.broker, env.mgr, zerolog.Nop())
	return env, listener
}

func outputRecords(t *testing.T, env *testEnv, workerID string) []bus.CrashRecord {
	t.Helper()
	messages, err := env.broker.ReadAfter(context.Background(), bus.OutputStream(workerID), "-")
	require.NoError(t, err)

	var records []bus.CrashRecord
	for _, msg := range messages {
		var record bus.CrashRecord
		require.NoError(t, msg.Decode(&record))
		records = append(records, record)
	}
	return records
}

func TestCrashSynthesis(t *testing.T) {
	env, listener := setupListener(t)
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, workerConfig("w1"))
	require.NoError(t, err)

	// The wrapper recorded the in-flight task before the container died.
	require.NoError(t, env.broker.HSet(ctx, bus.StatusKey("w1"), map[string]string{
		"task_id": "task-42",
	}))

	containerID := env.rt.Container("worker-w1").ID
	listener.handle(ctx, runtime.ContainerEvent{
		Action:      "die",
		ContainerID: containerID,
		ExitCode:    "137",
		Labels: map[string]string{
			runtime.LabelWorkerID:   "w1",
			runtime.LabelAgentKind:  "claude",
			runtime.LabelWorkerType: "developer",
			runtime.LabelTaskID:     "",
		},
	})

	records := outputRecords(t, env, "w1")
	require.Len(t, records, 1, "exactly one crash record per death")
	assert.Equal(t, "error", records[0].Type)
	assert.Equal(t, "137", records[0].ExitCode)
	assert.Equal(t, "task-42", records[0].TaskID)
	assert.Contains(t, records[0].Content, "exit code 137")

	status, err := env.mgr.Status(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "FAILED", status.State)
	assert.Nil(t, env.rt.Container("worker-w1"), "terminal workers hold no container")
}

func TestCleanExitIsNotACrash(t *testing.T) {
	env, listener := setupListener(t)
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, workerConfig("w1"))
	require.NoError(t, err)

	listener.handle(ctx, runtime.ContainerEvent{
		Action:   "die",
		ExitCode: "0",
		Labels:   map[string]string{runtime.LabelWorkerID: "w1"},
	})

	assert.Empty(t, outputRecords(t, env, "w1"))

	status, err := env.mgr.Status(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", status.State)
}

func TestUnlabeledContainersAreIgnored(t *testing.T) {
	env, listener := setupListener(t)
	ctx := context.Background()

	listener.handle(ctx, runtime.ContainerEvent{
		Action:   "die",
		ExitCode: "1",
		Labels:   map[string]string{"com.docker.compose.service": "redis"},
	})

	// Nothing appears anywhere: not a managed worker.
	messages, err := env.broker.ReadAfter(ctx, bus.OutputStream(""), "-")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestNonDieEventsAreIgnored(t *testing.T) {
	env, listener := setupListener(t)
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, workerConfig("w1"))
	require.NoError(t, err)

	listener.handle(ctx, runtime.ContainerEvent{
		Action:   "start",
		ExitCode: "",
		Labels:   map[string]string{runtime.LabelWorkerID: "w1"},
	})

	assert.Empty(t, outputRecords(t, env, "w1"))
}
