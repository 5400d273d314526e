package tools

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hostbridge/internal/config"
)

// fakeDocker plays one container: it exits with exit after logging stdout
// and stderr, or never exits when hang is set.
type fakeDocker struct {
	exit   int64
	stdout string
	stderr string
	hang   bool

	mu      sync.Mutex
	created *container.Config
	host    *container.HostConfig
	calls   []string
}

func (f *fakeDocker) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.record("create")
	f.created, f.host = cfg, host
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.record("start")
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	status := make(chan container.WaitResponse, 1)
	errs := make(chan error, 1)
	if !f.hang {
		status <- container.WaitResponse{StatusCode: f.exit}
	}
	return status, errs
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.record("kill " + signal)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.record("remove")
	return nil
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, errors.New("daemon down")
}

func (f *fakeDocker) Close() error { return nil }

func TestNewDockerSandbox_Defaults(t *testing.T) {
	sb := newDockerSandbox(&fakeDocker{}, config.SandboxConfig{})
	assert.Equal(t, "golang:alpine", sb.image)
	assert.EqualValues(t, 512<<20, sb.memory)
	assert.Equal(t, container.NetworkMode("none"), sb.network)

	sb = newDockerSandbox(&fakeDocker{}, config.SandboxConfig{Image: "alpine", MemoryMB: 128, Network: "bridge"})
	assert.Equal(t, "alpine", sb.image)
	assert.EqualValues(t, 128<<20, sb.memory)
	assert.Equal(t, container.NetworkMode("bridge"), sb.network)
}

func TestDockerSandbox_ExecDemuxesLogs(t *testing.T) {
	fake := &fakeDocker{exit: 2, stdout: "ok 1\n", stderr: "FAIL 2\n"}
	sb := newDockerSandbox(fake, config.SandboxConfig{})

	res, err := sb.Exec(context.Background(), []string{"go", "test"}, "/src/app", []string{"CI=1"})
	require.NoError(t, err)
	assert.Equal(t, ExecResult{Stdout: "ok 1\n", Stderr: "FAIL 2\n", ExitCode: 2}, res)

	assert.Equal(t, []string{"/src/app:/workspace"}, fake.host.Binds)
	assert.Equal(t, "/workspace", fake.created.WorkingDir)
	assert.Equal(t, []string{"CI=1"}, fake.created.Env)
	assert.Equal(t, []string{"create", "start", "remove"}, fake.calls)
}

func TestDockerSandbox_DeadlineKillsContainer(t *testing.T) {
	fake := &fakeDocker{hang: true}
	sb := newDockerSandbox(fake, config.SandboxConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := sb.Exec(ctx, []string{"sleep", "60"}, "", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitCode)
	assert.Nil(t, fake.host.Binds)
	assert.Equal(t, []string{"create", "start", "kill SIGKILL", "remove"}, fake.calls)
}

func TestDockerSandbox_EmptyCommandAndPing(t *testing.T) {
	sb := newDockerSandbox(&fakeDocker{}, config.SandboxConfig{})
	_, err := sb.Exec(context.Background(), nil, "", nil)
	assert.ErrorIs(t, err, errEmptyCommand)
	assert.ErrorContains(t, sb.Ping(context.Background()), "daemon down")
}
