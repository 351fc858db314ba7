// Package manager implements the worker manager: the single authority over
// worker container lifecycle on its host.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/covehq/drover/internal/image"
	"github.com/covehq/drover/internal/runtime"
	"github.com/covehq/drover/internal/settings"
	"github.com/covehq/drover/pkg/bus"
)

// Manager owns worker state transitions and the image cache. All container
// operations go through the runtime adapter; all cross-process state goes
// through the bus.
type Manager struct {
	rt     runtime.ContainerRuntime
	broker *bus.Client
	images *image.Builder
	cfg    *settings.Manager
	log    zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker

	// buildMu serializes concurrent builds of the same image tag. Parallel
	// builds of one tag are benign but wasteful.
	buildMu    sync.Mutex
	buildLocks map[string]*sync.Mutex
}

// New creates a worker manager.
func New(rt runtime.ContainerRuntime, broker *bus.Client, images *image.Builder, cfg *settings.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		rt:         rt,
		broker:     broker,
		images:     images,
		cfg:        cfg,
		log:        log,
		workers:    make(map[string]*Worker),
		buildLocks: make(map[string]*sync.Mutex),
	}
}

// Create materializes a worker from its config: ensures the capability
// image exists (building on miss), starts the container, and registers the
// worker as RUNNING. Create is idempotent by name: a live worker with the
// same name is returned as-is without touching the runtime.
func (m *Manager) Create(ctx context.Context, cfg *bus.WorkerConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	workerID := cfg.Name

	m.mu.Lock()
	if existing, ok := m.workers[workerID]; ok && !existing.State.Terminal() {
		m.mu.Unlock()
		m.log.Info().Str("worker_id", workerID).Msg("create is idempotent, worker already live")
		return workerID, nil
	}
	m.mu.Unlock()

	tag, err := m.ensureImage(ctx, string(cfg.AgentType), cfg.Capabilities)
	if err != nil {
		return "", fmt.Errorf("image build failed: %w", err)
	}

	containerName := runtime.ContainerName(m.cfg.WorkerPrefix, workerID)
	spec := runtime.ContainerSpec{
		Name:    containerName,
		Image:   tag,
		Env:     m.workerEnv(workerID, cfg),
		Labels:  runtime.BuildLabels(workerID, string(cfg.AgentType), cfg.WorkerType),
		Network: m.cfg.Network,
		Mounts:  m.workerMounts(cfg),
	}

	now := time.Now().UTC()
	worker := &Worker{
		ID:            workerID,
		Name:          cfg.Name,
		ContainerName: containerName,
		AgentKind:     cfg.AgentType,
		WorkerType:    cfg.WorkerType,
		Capabilities:  image.Normalize(cfg.Capabilities),
		ImageTag:      tag,
		State:         StateCreating,
		TTL:           time.Duration(cfg.TTLHours) * time.Hour,
		CreatedAt:     now,
		LastActivity:  now,
	}
	m.mu.Lock()
	m.workers[workerID] = worker
	m.mu.Unlock()

	containerID, err := m.rt.CreateAndStart(ctx, spec)
	if err != nil {
		m.setState(workerID, StateFailed)
		return "", fmt.Errorf("runtime error: %w", err)
	}

	m.mu.Lock()
	worker.ContainerID = containerID
	worker.State = StateRunning
	m.mu.Unlock()

	m.log.Info().
		Str("worker_id", workerID).
		Str("container_id", shortID(containerID)).
		Str("image", tag).
		Str("agent_kind", string(cfg.AgentType)).
		Msg("worker_created")

	return workerID, nil
}

// Delete destroys a worker's container and marks it STOPPED. Deleting an
// unknown worker is a no-op.
func (m *Manager) Delete(ctx context.Context, workerID string) error {
	m.mu.RLock()
	worker, ok := m.workers[workerID]
	m.mu.RUnlock()

	containerName := runtime.ContainerName(m.cfg.WorkerPrefix, workerID)
	if err := m.rt.Remove(ctx, containerName, true); err != nil {
		m.log.Error().Err(err).Str("worker_id", workerID).Msg("container_remove_failed")
		// The worker still counts as stopped; the orphan sweep retries.
	}

	if ok {
		m.setState(worker.ID, StateStopped)
	}

	m.log.Info().Str("worker_id", workerID).Msg("worker_deleted")
	return nil
}

// Pause freezes a RUNNING worker's container.
func (m *Manager) Pause(ctx context.Context, workerID string) error {
	worker, err := m.liveWorker(workerID)
	if err != nil {
		return err
	}
	if worker.State != StateRunning {
		return fmt.Errorf("%w: cannot pause %s worker %s", ErrInvalidState, worker.State, workerID)
	}

	if err := m.rt.Pause(ctx, worker.ContainerName); err != nil {
		return err
	}
	m.setState(workerID, StatePaused)
	m.log.Info().Str("worker_id", workerID).Msg("worker_paused")
	return nil
}

// Resume unfreezes a PAUSED worker's container and counts as activity.
func (m *Manager) Resume(ctx context.Context, workerID string) error {
	worker, err := m.liveWorker(workerID)
	if err != nil {
		return err
	}
	if worker.State != StatePaused {
		return fmt.Errorf("%w: cannot resume %s worker %s", ErrInvalidState, worker.State, workerID)
	}

	if err := m.rt.Unpause(ctx, worker.ContainerName); err != nil {
		return err
	}
	m.setState(workerID, StateRunning)
	m.TouchActivity(workerID)
	m.log.Info().Str("worker_id", workerID).Msg("worker_resumed")
	return nil
}

// Status reports a worker's state and timestamps.
func (m *Manager) Status(_ context.Context, workerID string) (*bus.WorkerStatus, error) {
	m.mu.RLock()
	worker, ok := m.workers[workerID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrWorkerNotFound
	}

	return &bus.WorkerStatus{
		WorkerID:     workerID,
		State:        string(worker.State),
		CreatedAt:    worker.CreatedAt.Format(time.RFC3339),
		LastActivity: worker.LastActivity.Format(time.RFC3339),
	}, nil
}

// SendCommand runs a shell command inside the worker, resuming it first if
// paused. The execution counts as activity.
func (m *Manager) SendCommand(ctx context.Context, workerID, shellCommand string, timeout time.Duration) (runtime.ExecResult, error) {
	worker, err := m.resumeForWork(ctx, workerID)
	if err != nil {
		return runtime.ExecResult{}, err
	}
	if timeout <= 0 {
		timeout = m.cfg.ExecTimeout
	}

	res, err := m.rt.Exec(ctx, worker.ContainerName, []string{"/bin/bash", "-c", shellCommand}, timeout)
	if err != nil {
		if errors.Is(err, runtime.ErrContainerNotFound) {
			return runtime.ExecResult{}, ErrWorkerNotFound
		}
		return runtime.ExecResult{}, err
	}

	m.TouchActivity(workerID)
	return res, nil
}

// SendFile writes a file into the worker's filesystem, creating parent
// directories. Content goes through the shell with single-quote escaping.
func (m *Manager) SendFile(ctx context.Context, workerID, path, content string) error {
	worker, err := m.resumeForWork(ctx, workerID)
	if err != nil {
		return err
	}

	escaped := strings.ReplaceAll(content, "'", `'\''`)
	script := fmt.Sprintf("mkdir -p \"$(dirname '%s')\" && printf '%%s' '%s' > '%s'", path, escaped, path)

	res, err := m.rt.Exec(ctx, worker.ContainerName, []string{"/bin/bash", "-c", script}, m.cfg.ExecTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to write %s: %s", path, strings.TrimSpace(res.Stderr))
	}

	m.TouchActivity(workerID)
	return nil
}

// Logs returns the tail of the worker container's output.
func (m *Manager) Logs(ctx context.Context, workerID string, tail int) (string, error) {
	if _, err := m.liveWorker(workerID); err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = 100
	}
	logs, err := m.rt.Logs(ctx, runtime.ContainerName(m.cfg.WorkerPrefix, workerID), tail)
	if err != nil {
		if errors.Is(err, runtime.ErrContainerNotFound) {
			return "", ErrWorkerNotFound
		}
		return "", err
	}
	return logs, nil
}

// Expire destroys a worker whose TTL elapsed and marks it EXPIRED.
func (m *Manager) Expire(ctx context.Context, workerID string) error {
	containerName := runtime.ContainerName(m.cfg.WorkerPrefix, workerID)
	if err := m.rt.Remove(ctx, containerName, true); err != nil {
		return err
	}
	m.setState(workerID, StateExpired)
	m.log.Info().Str("worker_id", workerID).Msg("worker_expired")
	return nil
}

// MarkFailed records a worker's container death. Called by the events
// listener; terminal workers are left untouched.
func (m *Manager) MarkFailed(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if worker, ok := m.workers[workerID]; ok && !worker.State.Terminal() {
		worker.State = StateFailed
	}
}

// MarkStopped records a clean container exit.
func (m *Manager) MarkStopped(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if worker, ok := m.workers[workerID]; ok && !worker.State.Terminal() {
		worker.State = StateStopped
	}
}

// TouchActivity updates a worker's last-activity time. Fed by the command
// paths and the lifecycle watcher; the idle-pause reaper reads it.
func (m *Manager) TouchActivity(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if worker, ok := m.workers[workerID]; ok {
		worker.LastActivity = time.Now().UTC()
	}
}

// Workers returns a snapshot of all tracked workers.
func (m *Manager) Workers() []Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SweepOrphans force-removes every container carrying the worker label whose
// name starts with the worker prefix, tracked or not. Run at startup before
// consuming commands, and again at shutdown.
func (m *Manager) SweepOrphans(ctx context.Context) error {
	containers, err := m.rt.List(ctx, map[string]string{runtime.LabelWorkerID: ""}, true)
	if err != nil {
		return fmt.Errorf("failed to list worker containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if !strings.HasPrefix(c.Name, m.cfg.WorkerPrefix+"-") {
			continue
		}
		if err := m.rt.Remove(ctx, c.ID, true); err != nil {
			m.log.Warn().Err(err).Str("container", c.Name).Msg("orphan_remove_failed")
			continue
		}
		removed++
		if workerID, ok := c.Labels[runtime.LabelWorkerID]; ok {
			m.setState(workerID, StateStopped)
		}
	}

	if removed > 0 {
		m.log.Info().Int("count", removed).Msg("orphan_workers_removed")
	}
	return nil
}

// ensureImage resolves the cache tag for an agent kind and capability set,
// building the image on a miss. Every hit or build refreshes the tag's
// last-used timestamp in the broker.
func (m *Manager) ensureImage(ctx context.Context, agentKind string, capabilities []string) (string, error) {
	tag := image.Tag(m.cfg.ImagePrefix, agentKind, capabilities)

	lock := m.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	exists, err := m.rt.ImageExists(ctx, tag)
	if err != nil {
		return "", err
	}

	if !exists {
		dockerfile, err := m.images.Dockerfile(agentKind, capabilities)
		if err != nil {
			return "", err
		}
		m.log.Info().Str("tag", tag).Msg("building_worker_image")
		if err := m.rt.BuildImage(ctx, dockerfile, tag); err != nil {
			return "", err
		}
	}

	if err := m.touchImage(ctx, tag); err != nil {
		m.log.Warn().Err(err).Str("tag", tag).Msg("image_last_used_update_failed")
	}
	return tag, nil
}

// touchImage records the image's last use for the GC reaper.
func (m *Manager) touchImage(ctx context.Context, tag string) error {
	return m.broker.SetWithTTL(ctx, bus.ImageLastUsedKey(tag), time.Now().UTC().Format(time.RFC3339), 0)
}

func (m *Manager) tagLock(tag string) *sync.Mutex {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	lock, ok := m.buildLocks[tag]
	if !ok {
		lock = &sync.Mutex{}
		m.buildLocks[tag] = lock
	}
	return lock
}

// workerEnv assembles the wrapper environment contract plus caller env.
func (m *Manager) workerEnv(workerID string, cfg *bus.WorkerConfig) []string {
	env := []string{
		fmt.Sprintf("WORKER_ID=%s", workerID),
		fmt.Sprintf("WORKER_REDIS_URL=%s", m.cfg.RedisURL),
		fmt.Sprintf("WORKER_AGENT_TYPE=%s", cfg.AgentType),
		fmt.Sprintf("WORKER_INPUT_STREAM=%s", bus.InputStream(workerID)),
		fmt.Sprintf("WORKER_OUTPUT_STREAM=%s", bus.OutputStream(workerID)),
		"WORKER_CONSUMER_GROUP=workers",
		fmt.Sprintf("WORKER_CONSUMER_NAME=%s", workerID),
	}
	if len(cfg.AllowedTools) > 0 {
		env = append(env, fmt.Sprintf("WORKER_ALLOWED_TOOLS=%s", strings.Join(cfg.AllowedTools, ",")))
	}
	if cfg.Instructions != "" {
		env = append(env, fmt.Sprintf("WORKER_INSTRUCTIONS=%s", cfg.Instructions))
	}

	keys := make([]string, 0, len(cfg.EnvVars))
	for k := range cfg.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, cfg.EnvVars[k]))
	}
	return env
}

// workerMounts derives bind mounts from the config: the host session
// directory (read-only) for host_session auth, and the Docker socket when
// the DOCKER capability was requested.
func (m *Manager) workerMounts(cfg *bus.WorkerConfig) []runtime.MountSpec {
	var mounts []runtime.MountSpec

	if cfg.AuthMode == bus.AuthHostSession || cfg.MountSessionVolume {
		hostDir := cfg.HostClaudeDir
		if hostDir == "" {
			hostDir = m.cfg.HostClaudeDir
		}
		if hostDir != "" {
			mounts = append(mounts, runtime.MountSpec{
				Source:   hostDir,
				Target:   "/home/worker/.claude",
				ReadOnly: true,
			})
		} else {
			m.log.Warn().Str("worker", cfg.Name).Msg("session_volume_mount_skipped")
		}
	}

	for _, cap := range image.Normalize(cfg.Capabilities) {
		if cap == image.CapabilityDocker {
			mounts = append(mounts, runtime.MountSpec{
				Source: m.cfg.DockerSocket,
				Target: "/var/run/docker.sock",
			})
		}
	}
	return mounts
}

// liveWorker returns a tracked non-terminal worker.
func (m *Manager) liveWorker(workerID string) (*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worker, ok := m.workers[workerID]
	if !ok || worker.State.Terminal() {
		return nil, ErrWorkerNotFound
	}
	return worker, nil
}

// resumeForWork resolves a live worker, unpausing it first when paused so
// incoming work lands on a running container.
func (m *Manager) resumeForWork(ctx context.Context, workerID string) (*Worker, error) {
	worker, err := m.liveWorker(workerID)
	if err != nil {
		return nil, err
	}
	if worker.State == StatePaused {
		if err := m.Resume(ctx, workerID); err != nil {
			return nil, err
		}
	}
	return worker, nil
}

func (m *Manager) setState(workerID string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if worker, ok := m.workers[workerID]; ok {
		worker.State = state
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
