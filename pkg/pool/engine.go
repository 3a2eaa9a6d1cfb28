package pool

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
)

// ExecStatus is the subset of the engine's exec inspect the pool consumes
type ExecStatus struct {
	Running  bool
	ExitCode int
	Pid      int
}

// Engine is the narrow view of a Docker-compatible daemon the pool needs.
// Implemented by dockerEngine; tests use a fake.
type Engine interface {
	// CreateContainer creates a persistent container (entrypoint pinned to
	// "sleep infinity", host networking) and returns the engine id
	CreateContainer(ctx context.Context, name, image string, env []string) (string, error)
	StartContainer(ctx context.Context, id string) error
	ContainerRunning(ctx context.Context, id string) (bool, error)
	RemoveContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string, timeoutSecs *int) error

	// CreateExec opens an exec session with stdout/stderr attached
	CreateExec(ctx context.Context, containerID string, cmd, env []string, user string) (string, error)
	// AttachExec starts the exec and returns the multiplexed output stream
	AttachExec(ctx context.Context, execID string) (io.ReadCloser, error)
	// StartExecDetached starts an exec without attaching (fire and forget)
	StartExecDetached(ctx context.Context, execID string) error
	InspectExec(ctx context.Context, execID string) (ExecStatus, error)

	Close() error
}

// dockerEngine implements Engine on the Docker daemon API
type dockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the local Docker daemon. An empty host uses
// the environment defaults (DOCKER_HOST et al).
func NewDockerEngine(host string) (Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

func (d *dockerEngine) Close() error {
	return d.cli.Close()
}

func (d *dockerEngine) CreateContainer(ctx context.Context, name, image string, env []string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      image,
			Entrypoint: strslice.StrSlice{"sleep", "infinity"},
			Env:        env,
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode("host"),
		},
		nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (d *dockerEngine) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

func (d *dockerEngine) ContainerRunning(ctx context.Context, id string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

func (d *dockerEngine) RemoveContainer(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (d *dockerEngine) RestartContainer(ctx context.Context, id string, timeoutSecs *int) error {
	return d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: timeoutSecs})
}

func (d *dockerEngine) CreateExec(ctx context.Context, containerID string, cmd, env []string, user string) (string, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         user,
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}
	return resp.ID, nil
}

// hijackedStream adapts the hijacked attach connection to io.ReadCloser
type hijackedStream struct {
	io.Reader
	close func()
}

func (h *hijackedStream) Close() error {
	h.close()
	return nil
}

func (d *dockerEngine) AttachExec(ctx context.Context, execID string) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	return &hijackedStream{Reader: resp.Reader, close: resp.Close}, nil
}

func (d *dockerEngine) StartExecDetached(ctx context.Context, execID string) error {
	return d.cli.ContainerExecStart(ctx, execID, container.ExecStartOptions{Detach: true})
}

func (d *dockerEngine) InspectExec(ctx context.Context, execID string) (ExecStatus, error) {
	insp, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecStatus{}, err
	}
	return ExecStatus{Running: insp.Running, ExitCode: insp.ExitCode, Pid: insp.Pid}, nil
}
