// Package docker runs compile and run steps in throwaway containers.
//
// Every step gets its own container created from the toolchain's image, with
// the request's workspace bind-mounted at Config.WorkDir and no network. The
// container is force-removed when the step ends, whatever the outcome.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/executor"
)

const cleanupTimeout = 10 * time.Second

// Runner implements executor.Runner using Docker.
type Runner struct {
	cli    dockerClient
	config Config
	logger *slog.Logger
}

// New creates a Runner connected to the daemon described by the environment
// (DOCKER_HOST and friends).
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newRunner(cli, cfg, logger), nil
}

func newRunner(cli dockerClient, cfg Config, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = def.OutputLimit
	}
	if cfg.Env == nil {
		cfg.Env = def.Env
	}
	return &Runner{cli: cli, config: cfg, logger: logger}
}

// Pull makes sure every image is present locally. It blocks until each pull
// has completed.
func (r *Runner) Pull(ctx context.Context, images []string) error {
	for _, ref := range images {
		r.logger.Info("ensuring docker image is available", slog.String("image", ref))
		reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("reading pull output for %s: %w", ref, err)
		}
	}
	return nil
}

// Close releases the docker client.
func (r *Runner) Close() error {
	return r.cli.Close()
}

// Run executes one step in a fresh container and waits for it.
func (r *Runner) Run(ctx context.Context, c executor.Command) (*executor.ProcessRun, error) {
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return nil, apperror.SpawnFailure(errors.New("empty command"))
	}
	if c.Image == "" {
		return nil, apperror.SpawnFailure(fmt.Errorf("no container image configured for %s", c.Argv[0]))
	}
	if c.Dir == "" {
		return nil, apperror.SpawnFailure(errors.New("work dir is required"))
	}

	run := &executor.ProcessRun{Argv: c.Argv, Dir: c.Dir, Limits: c.Limits}

	runCtx := ctx
	if c.Limits.WallClock > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Limits.WallClock)
		defer cancel()
	}
	if runCtx.Err() != nil {
		run.ExitCode = -1
		run.TimedOut = true
		return run, nil
	}

	resp, err := r.cli.ContainerCreate(runCtx, r.containerConfig(c), r.hostConfig(c), nil, nil, "")
	if err != nil {
		return nil, apperror.SpawnFailure(fmt.Errorf("ContainerCreate failed: %w", err))
	}
	id := resp.ID

	// Always ensure we clean up the container, even once the request
	// context has expired.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := r.cli.ContainerRemove(cleanupCtx, id, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Error("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
		}
	}()

	// Register the wait before starting so a fast exit is not missed.
	statusCh, errCh := r.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)

	start := time.Now()
	if err := r.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		if runCtx.Err() != nil {
			run.ExitCode = -1
			run.TimedOut = true
			return run, nil
		}
		return nil, apperror.SpawnFailure(fmt.Errorf("ContainerStart failed: %w", err))
	}

	bg, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	select {
	case status := <-statusCh:
		run.ExitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			return nil, apperror.SpawnFailure(fmt.Errorf("container wait: %s", status.Error.Message))
		}
	case err := <-errCh:
		if runCtx.Err() == nil {
			return nil, apperror.Internal(fmt.Errorf("container wait: %w", err))
		}
		run.TimedOut = true
		run.ExitCode = -1
		if err := r.cli.ContainerKill(bg, id, "KILL"); err != nil {
			r.logger.Warn("failed to kill container", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	run.WallTime = time.Since(start)

	if inspect, err := r.cli.ContainerInspect(bg, id); err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil {
		run.OOMKilled = inspect.State.OOMKilled
	}

	if !run.TimedOut && run.ExitCode > 128 && run.ExitCode <= 128+64 {
		sig := unix.Signal(run.ExitCode - 128)
		run.Signal = unix.SignalName(sig)
		if cpuLimitExceeded(sig, c.Limits.CPUTime, run.OOMKilled) {
			run.TimedOut = true
		}
	}

	if err := r.collectLogs(bg, id, run); err != nil {
		return nil, apperror.Internal(fmt.Errorf("fetch logs: %w", err))
	}

	r.logger.Debug("container step finished",
		slog.String("image", c.Image),
		slog.String("command", c.Argv[0]),
		slog.Int("exit_code", run.ExitCode),
		slog.Duration("wall", run.WallTime),
		slog.Bool("timed_out", run.TimedOut),
	)
	return run, nil
}

// cpuLimitExceeded reports whether sig is the kernel enforcing the cpu
// ulimit: SIGXCPU at the soft limit, SIGKILL at the hard one. A SIGKILL only
// counts when a cpu limit was set and the memory cgroup did not do the
// killing. The local runner classifies the same signals as a timeout.
func cpuLimitExceeded(sig unix.Signal, limit time.Duration, oomKilled bool) bool {
	switch sig {
	case unix.SIGXCPU:
		return true
	case unix.SIGKILL:
		return limit > 0 && !oomKilled
	}
	return false
}

func (r *Runner) containerConfig(c executor.Command) *container.Config {
	env := make([]string, 0, len(r.config.Env)+len(c.Env)+2)
	env = append(env, r.config.Env...)
	env = append(env, "HOME="+r.config.WorkDir, "TMPDIR="+r.config.WorkDir)
	env = append(env, executor.ExpandEnv(c.Env, r.config.WorkDir)...)

	return &container.Config{
		Image:           c.Image,
		Cmd:             c.Argv,
		Env:             env,
		WorkingDir:      r.config.WorkDir,
		User:            r.config.User,
		NetworkDisabled: true,
		Tty:             false,
		OpenStdin:       false,
	}
}

func (r *Runner) hostConfig(c executor.Command) *container.HostConfig {
	resources := container.Resources{
		NanoCPUs: int64(r.config.CPUs * 1e9),
	}
	// The container memory limit bounds resident memory, so it also applies
	// to toolchains that opt out of the address space rlimit.
	if c.Limits.Memory > 0 {
		resources.Memory = c.Limits.Memory
		resources.MemorySwap = c.Limits.Memory
	}
	if c.Limits.Processes > 0 {
		pids := c.Limits.Processes
		resources.PidsLimit = &pids
	}
	if c.Limits.CPUTime > 0 {
		secs := int64((c.Limits.CPUTime + time.Second - 1) / time.Second)
		resources.Ulimits = append(resources.Ulimits, &units.Ulimit{Name: "cpu", Soft: secs, Hard: secs + 1})
	}
	if c.Limits.FileSize > 0 {
		resources.Ulimits = append(resources.Ulimits, &units.Ulimit{Name: "fsize", Soft: c.Limits.FileSize, Hard: c.Limits.FileSize})
	}

	return &container.HostConfig{
		NetworkMode: "none",
		Resources:   resources,
		AutoRemove:  false,
		// Only the workspace and /tmp are writable.
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,nosuid,size=64m"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: c.Dir,
			Target: r.config.WorkDir,
		}},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}
}

func (r *Runner) collectLogs(ctx context.Context, id string, run *executor.ProcessRun) error {
	reader, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer reader.Close()

	stdout := executor.NewOutputBuffer(r.config.OutputLimit)
	stderr := executor.NewOutputBuffer(r.config.OutputLimit)
	// Use stdcopy to demultiplex stdout from stderr
	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil {
		return err
	}
	run.Stdout = stdout.String()
	run.Stderr = stderr.String()
	run.StdoutTruncated = stdout.Truncated()
	run.StderrTruncated = stderr.Truncated()
	return nil
}
