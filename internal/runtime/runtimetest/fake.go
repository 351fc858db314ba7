// Package runtimetest provides an in-memory ContainerRuntime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/covehq/drover/internal/runtime"
)

// FakeContainer is the fake's record of one container.
type FakeContainer struct {
	ID     string
	Name   string
	Image  string
	Env    []string
	Labels map[string]string
	State  runtime.ContainerState
	Mounts []runtime.MountSpec
}

// FakeRuntime is an in-memory ContainerRuntime. All operations are
// synchronous and deterministic; tests can inspect state and inject
// failures and exec results.
type FakeRuntime struct {
	mu sync.Mutex

	containers map[string]*FakeContainer // by name
	images     map[string]string         // tag -> dockerfile
	nextID     int

	BuildCount int
	BuildErr   error
	CreateErr  error

	// ExecResults queues results returned by Exec in FIFO order. When empty,
	// Exec returns a zero-exit result with empty output.
	ExecResults []runtime.ExecResult
	ExecCalls   [][]string

	events chan runtime.ContainerEvent
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*FakeContainer),
		images:     make(map[string]string),
		events:     make(chan runtime.ContainerEvent, 16),
	}
}

// Container returns the container with the given name, or nil.
func (f *FakeRuntime) Container(name string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name]
}

// Containers returns a snapshot of all containers.
func (f *FakeRuntime) Containers() []*FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeContainer, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c)
	}
	return out
}

// Dockerfile returns the dockerfile an image tag was built from.
func (f *FakeRuntime) Dockerfile(tag string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[tag]
}

// AddImage registers a pre-existing image.
func (f *FakeRuntime) AddImage(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[tag] = ""
}

// EmitEvent pushes a runtime event to Events subscribers.
func (f *FakeRuntime) EmitEvent(event runtime.ContainerEvent) {
	f.events <- event
}

func (f *FakeRuntime) ImageExists(_ context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.images[tag]
	return ok, nil
}

func (f *FakeRuntime) BuildImage(_ context.Context, dockerfile, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.BuildCount++
	f.images[tag] = dockerfile
	return nil
}

func (f *FakeRuntime) RemoveImage(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, tag)
	return nil
}

func (f *FakeRuntime) ListImages(_ context.Context, repository string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tags []string
	for tag := range f.images {
		if len(tag) > len(repository) && tag[:len(repository)+1] == repository+":" {
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

func (f *FakeRuntime) CreateAndStart(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	if _, exists := f.containers[spec.Name]; exists {
		return "", fmt.Errorf("container name %s already in use", spec.Name)
	}
	f.nextID++
	id := fmt.Sprintf("fake-%06d", f.nextID)
	f.containers[spec.Name] = &FakeContainer{
		ID:     id,
		Name:   spec.Name,
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
		State:  runtime.StateRunning,
		Mounts: spec.Mounts,
	}
	return id, nil
}

func (f *FakeRuntime) find(nameOrID string) *FakeContainer {
	if c, ok := f.containers[nameOrID]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.ID == nameOrID {
			return c
		}
	}
	return nil
}

func (f *FakeRuntime) Pause(_ context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(nameOrID)
	if c == nil {
		return runtime.ErrContainerNotFound
	}
	c.State = runtime.StatePaused
	return nil
}

func (f *FakeRuntime) Unpause(_ context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(nameOrID)
	if c == nil {
		return runtime.ErrContainerNotFound
	}
	c.State = runtime.StateRunning
	return nil
}

func (f *FakeRuntime) Remove(_ context.Context, nameOrID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(nameOrID)
	if c == nil {
		return nil
	}
	delete(f.containers, c.Name)
	return nil
}

func (f *FakeRuntime) Inspect(_ context.Context, nameOrID string) (runtime.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(nameOrID)
	if c == nil {
		return runtime.StateUnknown, runtime.ErrContainerNotFound
	}
	return c.State, nil
}

func (f *FakeRuntime) Exec(_ context.Context, nameOrID string, cmd []string, _ time.Duration) (runtime.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(nameOrID)
	if c == nil {
		return runtime.ExecResult{}, runtime.ErrContainerNotFound
	}
	f.ExecCalls = append(f.ExecCalls, cmd)
	if len(f.ExecResults) > 0 {
		res := f.ExecResults[0]
		f.ExecResults = f.ExecResults[1:]
		return res, nil
	}
	return runtime.ExecResult{ExitCode: 0}, nil
}

func (f *FakeRuntime) Logs(_ context.Context, nameOrID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.find(nameOrID)
	if c == nil {
		return "", runtime.ErrContainerNotFound
	}
	return fmt.Sprintf("logs for %s\n", c.Name), nil
}

func (f *FakeRuntime) List(_ context.Context, labelFilters map[string]string, _ bool) ([]runtime.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerSummary
	for _, c := range f.containers {
		matches := true
		for key, value := range labelFilters {
			got, ok := c.Labels[key]
			if !ok || (value != "" && got != value) {
				matches = false
				break
			}
		}
		if matches {
			out = append(out, runtime.ContainerSummary{ID: c.ID, Name: c.Name, State: c.State, Labels: c.Labels})
		}
	}
	return out, nil
}

func (f *FakeRuntime) Events(ctx context.Context) (<-chan runtime.ContainerEvent, <-chan error) {
	out := make(chan runtime.ContainerEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-f.events:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}
