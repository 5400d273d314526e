package tools

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/basket/hostbridge/internal/config"
)

const (
	sandboxImage   = "golang:alpine"
	sandboxMemMB   = 512
	sandboxNetwork = "none"
	sandboxMount   = "/workspace"
)

// containerAPI is the slice of the docker client the sandbox drives.
type containerAPI interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, id, signal string) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// DockerSandbox runs each test command in a throwaway container with the
// suite directory bind-mounted at /workspace.
type DockerSandbox struct {
	api     containerAPI
	image   string
	memory  int64
	network container.NetworkMode
}

// NewDockerSandbox connects using the DOCKER_* environment. Construction does
// not contact the daemon; Ping does.
func NewDockerSandbox(cfg config.SandboxConfig) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerSandbox(cli, cfg), nil
}

func newDockerSandbox(api containerAPI, cfg config.SandboxConfig) *DockerSandbox {
	sb := &DockerSandbox{
		api:     api,
		image:   cfg.Image,
		memory:  cfg.MemoryMB << 20,
		network: container.NetworkMode(cfg.Network),
	}
	if sb.image == "" {
		sb.image = sandboxImage
	}
	if sb.memory <= 0 {
		sb.memory = sandboxMemMB << 20
	}
	if sb.network == "" {
		sb.network = sandboxNetwork
	}
	return sb
}

// Exec creates, runs and removes one container. The container is killed when
// ctx ends.
func (d *DockerSandbox) Exec(ctx context.Context, argv []string, workDir string, env []string) (ExecResult, error) {
	failed := ExecResult{ExitCode: -1}
	if len(argv) == 0 {
		return failed, errEmptyCommand
	}
	host := &container.HostConfig{
		Resources:   container.Resources{Memory: d.memory},
		NetworkMode: d.network,
	}
	if workDir != "" {
		host.Binds = []string{workDir + ":" + sandboxMount}
	}
	created, err := d.api.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        argv,
		Env:        env,
		WorkingDir: sandboxMount,
	}, host, nil, nil, "")
	if err != nil {
		return failed, fmt.Errorf("create container: %w", err)
	}
	id := created.ID
	cleanup := context.WithoutCancel(ctx)
	// Logs are read after exit, so the container is removed here rather than
	// with AutoRemove.
	defer func() { _ = d.api.ContainerRemove(cleanup, id, container.RemoveOptions{Force: true}) }()

	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return failed, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return failed, fmt.Errorf("wait container: %s", st.Error.Message)
		}
		exitCode = int(st.StatusCode)
	case err := <-errCh:
		if ctx.Err() == nil {
			return failed, fmt.Errorf("wait container: %w", err)
		}
		_ = d.api.ContainerKill(cleanup, id, "SIGKILL")
		return failed, ctx.Err()
	case <-ctx.Done():
		_ = d.api.ContainerKill(cleanup, id, "SIGKILL")
		return failed, ctx.Err()
	}

	logs, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return ExecResult{ExitCode: exitCode}, fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()
	stdout := &cappedBuffer{limit: captureLimit}
	stderr := &cappedBuffer{limit: captureLimit}
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return ExecResult{ExitCode: exitCode}, fmt.Errorf("demux logs: %w", err)
	}
	return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// Ping checks that the daemon answers.
func (d *DockerSandbox) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (d *DockerSandbox) Close() error { return d.api.Close() }
