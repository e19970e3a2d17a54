package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/executor"
	"github.com/sakif/code-executor/internal/verdict"
)

// fakeDockerClient records calls and replays canned responses so the runner
// can be tested without a daemon.
type fakeDockerClient struct {
	mu          sync.Mutex
	nextID      int
	imagePulls  []string
	createCalls []containerCreateCall
	createErr   error
	startErr    error
	wait        map[string]waitCall
	logs        map[string][]byte
	inspect     map[string]container.InspectResponse
	killCalls   []string
	removeCalls []string
	closed      bool
}

type containerCreateCall struct {
	id         string
	config     *container.Config
	hostConfig *container.HostConfig
}

type waitCall struct {
	status *container.WaitResponse
	block  bool // never exit; the wait ends when ctx does
}

func newFakeDockerClient() *fakeDockerClient {
	return &fakeDockerClient{
		wait:    make(map[string]waitCall),
		logs:    make(map[string][]byte),
		inspect: make(map[string]container.InspectResponse),
	}
}

func (f *fakeDockerClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.imagePulls = append(f.imagePulls, ref)
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	id := fmt.Sprintf("container-%d", f.nextID)
	f.nextID++
	f.createCalls = append(f.createCalls, containerCreateCall{id: id, config: config, hostConfig: hostConfig})
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return f.startErr
}

func (f *fakeDockerClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)

	f.mu.Lock()
	call, ok := f.wait[containerID]
	f.mu.Unlock()

	switch {
	case ok && call.block:
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
	case ok && call.status != nil:
		statusCh <- *call.status
	default:
		statusCh <- container.WaitResponse{StatusCode: 0}
	}
	return statusCh, errCh
}

func (f *fakeDockerClient) ContainerKill(ctx context.Context, containerID, signal string) error {
	f.mu.Lock()
	f.killCalls = append(f.killCalls, containerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspect[containerID], nil
}

func (f *fakeDockerClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	data := f.logs[containerID]
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	f.removeCalls = append(f.removeCalls, containerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) setLogs(containerID, stdout, stderr string) {
	var buf bytes.Buffer
	if stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	}
	if stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	}
	f.mu.Lock()
	f.logs[containerID] = buf.Bytes()
	f.mu.Unlock()
}

func testRunner(cli dockerClient, cfg Config) *Runner {
	return newRunner(cli, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func stepCommand() executor.Command {
	return executor.Command{
		Argv:  []string{"python3", "-B", "main.py"},
		Dir:   "/var/lib/code-executor/0b5c",
		Env:   []string{"CACHE=$WORKSPACE/.cache"},
		Image: "python:3.12-alpine",
		Limits: executor.Limits{
			CPUTime:   2 * time.Second,
			WallClock: 5 * time.Second,
			Memory:    256 << 20,
			Processes: 64,
			FileSize:  16 << 20,
		},
	}
}

func TestRunSuccess(t *testing.T) {
	cli := newFakeDockerClient()
	cli.setLogs("container-0", "hello\n", "warning\n")
	r := testRunner(cli, DefaultConfig())

	run, err := r.Run(context.Background(), stepCommand())
	require.NoError(t, err)

	assert.Equal(t, "hello\n", run.Stdout)
	assert.Equal(t, "warning\n", run.Stderr)
	assert.Equal(t, 0, run.ExitCode)
	assert.False(t, run.TimedOut)
	assert.Equal(t, []string{"container-0"}, cli.removeCalls)
}

func TestRunContainerIsolation(t *testing.T) {
	cli := newFakeDockerClient()
	r := testRunner(cli, DefaultConfig())

	_, err := r.Run(context.Background(), stepCommand())
	require.NoError(t, err)
	require.Len(t, cli.createCalls, 1)

	call := cli.createCalls[0]
	assert.Equal(t, "python:3.12-alpine", call.config.Image)
	assert.Equal(t, []string{"python3", "-B", "main.py"}, []string(call.config.Cmd))
	assert.Equal(t, "/workspace", call.config.WorkingDir)
	assert.Equal(t, "65534:65534", call.config.User)
	assert.True(t, call.config.NetworkDisabled)
	assert.Contains(t, call.config.Env, "CACHE=/workspace/.cache")
	assert.Contains(t, call.config.Env, "HOME=/workspace")

	hc := call.hostConfig
	assert.Equal(t, container.NetworkMode("none"), hc.NetworkMode)
	assert.True(t, hc.ReadonlyRootfs)
	assert.Equal(t, []string{"ALL"}, []string(hc.CapDrop))
	assert.Equal(t, int64(256<<20), hc.Memory)
	require.NotNil(t, hc.PidsLimit)
	assert.Equal(t, int64(64), *hc.PidsLimit)
	require.Len(t, hc.Mounts, 1)
	assert.Equal(t, mount.TypeBind, hc.Mounts[0].Type)
	assert.Equal(t, "/var/lib/code-executor/0b5c", hc.Mounts[0].Source)
	assert.Equal(t, "/workspace", hc.Mounts[0].Target)

	names := make([]string, 0, len(hc.Ulimits))
	for _, u := range hc.Ulimits {
		names = append(names, u.Name)
	}
	assert.ElementsMatch(t, []string{"cpu", "fsize"}, names)
}

func TestRunNonZeroExitAndSignal(t *testing.T) {
	cli := newFakeDockerClient()
	cli.wait["container-0"] = waitCall{status: &container.WaitResponse{StatusCode: 1}}
	cli.wait["container-1"] = waitCall{status: &container.WaitResponse{StatusCode: 139}}
	r := testRunner(cli, DefaultConfig())

	run, err := r.Run(context.Background(), stepCommand())
	require.NoError(t, err)
	assert.Equal(t, 1, run.ExitCode)
	assert.Empty(t, run.Signal)

	run, err = r.Run(context.Background(), stepCommand())
	require.NoError(t, err)
	assert.Equal(t, "SIGSEGV", run.Signal)
	assert.False(t, run.TimedOut)
	assert.True(t, run.Failed())
}

func TestRunCPULimitCountsAsTimeout(t *testing.T) {
	tests := []struct {
		name     string
		status   int64
		cpuTime  time.Duration
		oom      bool
		timedOut bool
		verdict  executor.Verdict
	}{
		{name: "soft limit sends SIGXCPU", status: 152, cpuTime: time.Second, timedOut: true, verdict: executor.VerdictTimeout},
		{name: "hard limit sends SIGKILL", status: 137, cpuTime: time.Second, timedOut: true, verdict: executor.VerdictTimeout},
		{name: "SIGKILL from the memory cgroup", status: 137, cpuTime: time.Second, oom: true, verdict: executor.VerdictRuntimeError},
		{name: "SIGKILL without a cpu limit", status: 137, verdict: executor.VerdictRuntimeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := newFakeDockerClient()
			cli.wait["container-0"] = waitCall{status: &container.WaitResponse{StatusCode: tt.status}}
			cli.inspect["container-0"] = container.InspectResponse{
				ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{OOMKilled: tt.oom}},
			}
			r := testRunner(cli, DefaultConfig())

			cmd := stepCommand()
			cmd.Limits.CPUTime = tt.cpuTime
			run, err := r.Run(context.Background(), cmd)
			require.NoError(t, err)
			assert.Equal(t, tt.timedOut, run.TimedOut)
			assert.NotEmpty(t, run.Signal)

			result := verdict.NewNormalizer(nil).Normalize(nil, run)
			assert.Equal(t, tt.verdict, result.Verdict)
		})
	}
}

func TestRunTimeoutKillsAndRemovesContainer(t *testing.T) {
	cli := newFakeDockerClient()
	cli.wait["container-0"] = waitCall{block: true}
	r := testRunner(cli, DefaultConfig())

	cmd := stepCommand()
	cmd.Limits.WallClock = 50 * time.Millisecond

	start := time.Now()
	run, err := r.Run(context.Background(), cmd)
	require.NoError(t, err)

	assert.True(t, run.TimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"container-0"}, cli.killCalls)
	assert.Equal(t, []string{"container-0"}, cli.removeCalls)
}

func TestRunOOMKilled(t *testing.T) {
	cli := newFakeDockerClient()
	cli.wait["container-0"] = waitCall{status: &container.WaitResponse{StatusCode: 137}}
	cli.inspect["container-0"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{OOMKilled: true}},
	}
	r := testRunner(cli, DefaultConfig())

	run, err := r.Run(context.Background(), stepCommand())
	require.NoError(t, err)
	assert.True(t, run.OOMKilled)
	assert.Equal(t, "SIGKILL", run.Signal)
}

func TestRunTruncatesLogs(t *testing.T) {
	cli := newFakeDockerClient()
	cli.setLogs("container-0", "0123456789", "")
	cfg := DefaultConfig()
	cfg.OutputLimit = 4
	r := testRunner(cli, cfg)

	run, err := r.Run(context.Background(), stepCommand())
	require.NoError(t, err)
	assert.Equal(t, "0123", run.Stdout)
	assert.True(t, run.StdoutTruncated)
}

func TestRunSpawnFailures(t *testing.T) {
	t.Run("create fails", func(t *testing.T) {
		cli := newFakeDockerClient()
		cli.createErr = errors.New("no such image")
		r := testRunner(cli, DefaultConfig())

		_, err := r.Run(context.Background(), stepCommand())
		require.Error(t, err)
		assert.Equal(t, apperror.CodeSpawnFailure, apperror.CodeOf(err))
		assert.Empty(t, cli.removeCalls)
	})

	t.Run("start fails", func(t *testing.T) {
		cli := newFakeDockerClient()
		cli.startErr = errors.New("OCI runtime create failed")
		r := testRunner(cli, DefaultConfig())

		_, err := r.Run(context.Background(), stepCommand())
		require.Error(t, err)
		assert.Equal(t, apperror.CodeSpawnFailure, apperror.CodeOf(err))
		assert.Equal(t, []string{"container-0"}, cli.removeCalls)
	})

	t.Run("no image", func(t *testing.T) {
		cli := newFakeDockerClient()
		r := testRunner(cli, DefaultConfig())

		cmd := stepCommand()
		cmd.Image = ""
		_, err := r.Run(context.Background(), cmd)
		require.Error(t, err)
		assert.Equal(t, apperror.CodeSpawnFailure, apperror.CodeOf(err))
		assert.Empty(t, cli.createCalls)
	})
}

func TestPullAndClose(t *testing.T) {
	cli := newFakeDockerClient()
	r := testRunner(cli, DefaultConfig())

	require.NoError(t, r.Pull(context.Background(), []string{"gcc:13", "python:3.12-alpine"}))
	assert.Equal(t, []string{"gcc:13", "python:3.12-alpine"}, cli.imagePulls)

	require.NoError(t, r.Close())
	assert.True(t, cli.closed)
}
