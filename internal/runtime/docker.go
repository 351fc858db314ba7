package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// NewDockerClient creates a Docker client and validates the daemon is
// accessible. Returns an error if the Docker daemon is not running.
func NewDockerClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon not accessible: %w", err)
	}

	return cli, nil
}

// dockerRuntime implements ContainerRuntime on the Docker SDK. Concurrent
// API calls are bounded by a semaphore so a burst of commands cannot
// exhaust the daemon's connection budget.
type dockerRuntime struct {
	cli *client.Client
	sem chan struct{}
}

// NewDockerRuntime wraps a Docker client as a ContainerRuntime with at most
// maxConcurrent in-flight API calls.
func NewDockerRuntime(cli *client.Client, maxConcurrent int) ContainerRuntime {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &dockerRuntime{cli: cli, sem: make(chan struct{}, maxConcurrent)}
}

func (d *dockerRuntime) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dockerRuntime) release() {
	<-d.sem
}

func (d *dockerRuntime) ImageExists(ctx context.Context, tag string) (bool, error) {
	if err := d.acquire(ctx); err != nil {
		return false, err
	}
	defer d.release()

	_, _, err := d.cli.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", tag, err)
	}
	return true, nil
}

func (d *dockerRuntime) BuildImage(ctx context.Context, dockerfile, tag string) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	// Minimal build context: a tar archive containing only the Dockerfile.
	buildCtx := &bytes.Buffer{}
	tw := tar.NewWriter(buildCtx)
	content := []byte(dockerfile)
	if err := tw.WriteHeader(&tar.Header{Name: "Dockerfile", Mode: 0644, Size: int64(len(content))}); err != nil {
		return fmt.Errorf("failed to write build context: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to write build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize build context: %w", err)
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	// The build only completes once the response body is drained.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to stream build output for %s: %w", tag, err)
	}
	return nil
}

func (d *dockerRuntime) RemoveImage(ctx context.Context, tag string) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	_, err := d.cli.ImageRemove(ctx, tag, types.ImageRemoveOptions{Force: false})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove image %s: %w", tag, err)
	}
	return nil
}

func (d *dockerRuntime) ListImages(ctx context.Context, repository string) ([]string, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	f := filters.NewArgs()
	f.Add("reference", repository+":*")

	images, err := d.cli.ImageList(ctx, types.ImageListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	var tags []string
	for _, img := range images {
		tags = append(tags, img.RepoTags...)
	}
	return tags, nil
}

func (d *dockerRuntime) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := d.acquire(ctx); err != nil {
		return "", err
	}
	defer d.release()

	config := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}

	hostConfig := &container.HostConfig{}
	if spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}
	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		// Cleanup on start failure so no half-created container leaks.
		_ = d.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	return resp.ID, nil
}

func (d *dockerRuntime) Pause(ctx context.Context, nameOrID string) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	if err := d.cli.ContainerPause(ctx, nameOrID); err != nil {
		return fmt.Errorf("failed to pause container %s: %w", nameOrID, err)
	}
	return nil
}

func (d *dockerRuntime) Unpause(ctx context.Context, nameOrID string) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	if err := d.cli.ContainerUnpause(ctx, nameOrID); err != nil {
		return fmt.Errorf("failed to unpause container %s: %w", nameOrID, err)
	}
	return nil
}

func (d *dockerRuntime) Remove(ctx context.Context, nameOrID string, force bool) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	err := d.cli.ContainerRemove(ctx, nameOrID, types.ContainerRemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", nameOrID, err)
	}
	return nil
}

func (d *dockerRuntime) Inspect(ctx context.Context, nameOrID string) (ContainerState, error) {
	if err := d.acquire(ctx); err != nil {
		return StateUnknown, err
	}
	defer d.release()

	info, err := d.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StateUnknown, ErrContainerNotFound
		}
		return StateUnknown, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}

	return mapDockerState(info.State.Status), nil
}

func (d *dockerRuntime) Exec(ctx context.Context, nameOrID string, cmd []string, timeout time.Duration) (ExecResult, error) {
	if err := d.acquire(ctx); err != nil {
		return ExecResult{}, err
	}
	defer d.release()

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	created, err := d.cli.ContainerExecCreate(ctx, nameOrID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ExecResult{}, ErrContainerNotFound
		}
		return ExecResult{}, fmt.Errorf("failed to create exec in %s: %w", nameOrID, err)
	}

	attach, err := d.cli.ContainerExecAttach(execCtx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec in %s: %w", nameOrID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return ExecResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()},
				fmt.Errorf("exec in %s: %w", nameOrID, ErrExecTimeout)
		}
		return ExecResult{}, fmt.Errorf("failed to read exec output from %s: %w", nameOrID, err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to inspect exec in %s: %w", nameOrID, err)
	}

	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (d *dockerRuntime) Logs(ctx context.Context, nameOrID string, tail int) (string, error) {
	if err := d.acquire(ctx); err != nil {
		return "", err
	}
	defer d.release()

	reader, err := d.cli.ContainerLogs(ctx, nameOrID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrContainerNotFound
		}
		return "", fmt.Errorf("failed to fetch logs for %s: %w", nameOrID, err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("failed to read logs for %s: %w", nameOrID, err)
	}
	return stdout.String() + stderr.String(), nil
}

func (d *dockerRuntime) List(ctx context.Context, labelFilters map[string]string, all bool) ([]ContainerSummary, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	f := filters.NewArgs()
	for key, value := range labelFilters {
		if value == "" {
			f.Add("label", key)
		} else {
			f.Add("label", fmt.Sprintf("%s=%s", key, value))
		}
	}

	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: all, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var summaries []ContainerSummary
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		summaries = append(summaries, ContainerSummary{
			ID:     c.ID,
			Name:   name,
			State:  mapDockerState(c.State),
			Labels: c.Labels,
		})
	}
	return summaries, nil
}

func (d *dockerRuntime) Events(ctx context.Context) (<-chan ContainerEvent, <-chan error) {
	out := make(chan ContainerEvent, 10)
	errs := make(chan error, 1)

	f := filters.NewArgs()
	f.Add("type", "container")
	msgCh, errCh := d.cli.Events(ctx, types.EventsOptions{Filters: f})

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				event := ContainerEvent{
					Action:      string(msg.Action),
					ContainerID: msg.Actor.ID,
					Labels:      msg.Actor.Attributes,
					ExitCode:    msg.Actor.Attributes["exitCode"],
				}
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

// mapDockerState maps a Docker status string to a ContainerState.
func mapDockerState(status string) ContainerState {
	switch status {
	case "created":
		return StateCreated
	case "running":
		return StateRunning
	case "paused":
		return StatePaused
	case "exited":
		return StateExited
	case "dead":
		return StateDead
	default:
		return StateUnknown
	}
}
