//go:build linux

// Package process runs compile and run steps as local child processes.
//
// Each step is started through a two-stage sandbox-init helper: the service
// binary re-executed with InitEnv set. The supervise stage marks itself a
// child subreaper and starts the exec stage, which receives the command on
// stdin, applies rlimits and execs the target. Limits never leak into the
// service process and no shell is involved. Every process the target leaves
// behind ends up below the supervisor, which kills and reaps them all before
// it reports how the target ended.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/executor"
)

// defaultWaitDelay covers the supervisor's sweep after a timeout.
const defaultWaitDelay = 2 * time.Second

// Config configures a Runner.
type Config struct {
	// HelperPath is the binary started as the sandbox-init helper. It must
	// call InitMain when IsInitProcess is true. Defaults to os.Executable.
	HelperPath string
	// CgroupRoot is a delegated cgroup v2 directory. Empty disables cgroups.
	CgroupRoot string
	// OutputLimit caps each of stdout and stderr.
	OutputLimit int64
	// WaitDelay bounds how long Wait lingers on pipes held open by
	// descendants after the child has exited or been killed.
	WaitDelay time.Duration
	// BaseEnv is the environment every child starts from.
	BaseEnv []string
}

// Runner is the local executor.Runner.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns a Runner.
func New(cfg Config, logger *slog.Logger) (*Runner, error) {
	if cfg.HelperPath == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating sandbox helper: %w", err)
		}
		cfg.HelperPath = self
	}
	if _, err := os.Stat(cfg.HelperPath); err != nil {
		return nil, fmt.Errorf("sandbox helper: %w", err)
	}
	if cfg.CgroupRoot != "" {
		info, err := os.Stat(cfg.CgroupRoot)
		if err != nil {
			return nil, fmt.Errorf("cgroup root: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("cgroup root %s is not a directory", cfg.CgroupRoot)
		}
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = executor.DefaultOutputLimit
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if cfg.BaseEnv == nil {
		cfg.BaseEnv = DefaultEnv()
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// DefaultEnv is the minimal environment handed to child processes.
func DefaultEnv() []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	return []string{"PATH=" + path, "LANG=C.UTF-8"}
}

// Run executes one step and waits for it. Program failures (non-zero exit,
// signals, timeouts) are reported in the ProcessRun; only failures to start
// the program return an error.
func (r *Runner) Run(ctx context.Context, c executor.Command) (*executor.ProcessRun, error) {
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return nil, apperror.SpawnFailure(errors.New("empty command"))
	}
	if c.Dir == "" {
		return nil, apperror.SpawnFailure(errors.New("work dir is required"))
	}

	runCtx := ctx
	if c.Limits.WallClock > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Limits.WallClock)
		defer cancel()
	}
	if runCtx.Err() != nil {
		// The deadline was spent before this step could start.
		return &executor.ProcessRun{Argv: c.Argv, Dir: c.Dir, Limits: c.Limits, ExitCode: -1, TimedOut: true}, nil
	}

	var cg *cgroup
	if r.cfg.CgroupRoot != "" {
		var err error
		cg, err = createCgroup(r.cfg.CgroupRoot, c.Limits)
		if err != nil {
			return nil, apperror.SpawnFailure(err)
		}
		defer func() {
			if err := cg.remove(); err != nil {
				r.logger.Warn("failed to remove cgroup", slog.String("error", err.Error()))
			}
		}()
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, apperror.SpawnFailure(fmt.Errorf("status pipe: %w", err))
	}
	defer statusR.Close()
	resultR, resultW, err := os.Pipe()
	if err != nil {
		statusW.Close()
		return nil, apperror.SpawnFailure(fmt.Errorf("result pipe: %w", err))
	}
	defer resultR.Close()
	closeWriters := func() {
		statusW.Close()
		resultW.Close()
	}

	stdout := executor.NewOutputBuffer(r.cfg.OutputLimit)
	stderr := executor.NewOutputBuffer(r.cfg.OutputLimit)

	var killed atomic.Bool
	cmd := exec.CommandContext(runCtx, r.cfg.HelperPath)
	cmd.Env = []string{InitEnv + "=" + stageSupervise}
	cmd.Dir = c.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{statusW, resultW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	// The supervisor kills the target's tree on SIGTERM. WaitDelay is the
	// SIGKILL fallback if it does not exit in time.
	cmd.Cancel = func() error {
		killed.Store(true)
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.WaitDelay

	payload, err := cmd.StdinPipe()
	if err != nil {
		closeWriters()
		return nil, apperror.SpawnFailure(fmt.Errorf("stdin pipe: %w", err))
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeWriters()
		return nil, apperror.SpawnFailure(fmt.Errorf("start helper: %w", err))
	}
	closeWriters()
	pid := cmd.Process.Pid

	// The supervisor blocks on stdin, so it cannot fork before it has been
	// placed in the cgroup.
	if cg != nil {
		if err := cg.addProcess(pid); err != nil {
			_ = killProcessGroup(pid)
			_ = cmd.Wait()
			return nil, apperror.SpawnFailure(err)
		}
	}

	writeErr := writeRequest(payload, buildRequest(c, r.cfg.BaseEnv))
	waitErr := cmd.Wait()
	wall := time.Since(start)

	// The supervisor has swept its subtree. This only matters when it was
	// itself killed before it could.
	_ = killProcessGroup(pid)
	oom := false
	if cg != nil {
		oom = cg.oomKilled()
		_ = cg.kill()
	}

	status, _ := io.ReadAll(statusR)
	if len(status) > 0 {
		return nil, apperror.SpawnFailure(fmt.Errorf("%s: %s", c.Argv[0], strings.TrimSpace(string(status))))
	}
	if writeErr != nil && !killed.Load() {
		return nil, apperror.SpawnFailure(fmt.Errorf("sending command to helper: %w", writeErr))
	}

	var res stepResult
	if err := json.NewDecoder(resultR).Decode(&res); err != nil {
		state := cmd.ProcessState
		if state == nil {
			return nil, apperror.SpawnFailure(fmt.Errorf("wait: %w", errors.Join(err, waitErr)))
		}
		// The supervisor died before reporting, from the WaitDelay fallback
		// or the cgroup. Its own exit stands in for the target's.
		res = stepResult{ExitCode: state.ExitCode()}
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = int(ws.Signal())
		}
		r.logger.Warn("supervisor exited without a result",
			slog.String("command", c.Argv[0]),
			slog.Int("exit_code", res.ExitCode),
			slog.Bool("killed", killed.Load()),
		)
	}
	if res.SweepError != "" {
		r.logger.Warn("leftover processes survived the sweep",
			slog.String("command", c.Argv[0]),
			slog.String("error", res.SweepError),
		)
	}

	run := &executor.ProcessRun{
		Argv:            c.Argv,
		Dir:             c.Dir,
		Limits:          c.Limits,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		WallTime:        wall,
		TimedOut:        killed.Load(),
		OOMKilled:       oom,
	}

	run.ExitCode = res.ExitCode
	if res.Signal > 0 {
		sig := syscall.Signal(res.Signal)
		run.Signal = unix.SignalName(sig)
		if run.Signal == "" {
			run.Signal = sig.String()
		}
		if cpuLimitExceeded(sig, res.cpuTime(), c.Limits.CPUTime) {
			run.TimedOut = true
		}
	}

	r.logger.Debug("step finished",
		slog.String("command", c.Argv[0]),
		slog.Int("exit_code", run.ExitCode),
		slog.String("signal", run.Signal),
		slog.Duration("wall", wall),
		slog.Bool("timed_out", run.TimedOut),
		slog.Int("swept", res.Swept),
	)
	return run, nil
}

func buildRequest(c executor.Command, baseEnv []string) initRequest {
	env := make([]string, 0, len(baseEnv)+len(c.Env)+2)
	env = append(env, baseEnv...)
	env = append(env, "HOME="+c.Dir, "TMPDIR="+c.Dir)
	env = append(env, executor.ExpandEnv(c.Env, c.Dir)...)

	req := initRequest{
		Argv:     c.Argv,
		Dir:      c.Dir,
		Env:      env,
		FileSize: positive(c.Limits.FileSize),
	}
	if c.Limits.CPUTime > 0 {
		req.CPUSeconds = uint64((c.Limits.CPUTime + time.Second - 1) / time.Second)
	}
	if !c.UnboundedAddressSpace {
		req.AddressSpace = positive(c.Limits.Memory)
	}
	return req
}

func writeRequest(w io.WriteCloser, req initRequest) error {
	err := json.NewEncoder(w).Encode(req)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

// cpuLimitExceeded reports whether the child died from RLIMIT_CPU: SIGXCPU at
// the soft limit, or SIGKILL once the hard limit is reached.
func cpuLimitExceeded(sig syscall.Signal, used, limit time.Duration) bool {
	if sig == syscall.SIGXCPU {
		return true
	}
	if sig != syscall.SIGKILL || limit <= 0 {
		return false
	}
	return used >= limit
}

func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func positive(v int64) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(v)
}
