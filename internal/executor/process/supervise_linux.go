//go:build linux

package process

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// resultFD is the supervisor's end of the result pipe (ExtraFiles[1]).
const resultFD = 4

// sweepTimeout bounds how long the supervisor keeps killing descendants that
// fork faster than they die.
const sweepTimeout = time.Second

// stepResult is how the target program ended, as seen by the supervisor.
type stepResult struct {
	ExitCode   int           `json:"exitCode"`
	Signal     int           `json:"signal,omitempty"`
	UserTime   time.Duration `json:"userTime"`
	SystemTime time.Duration `json:"systemTime"`
	// Swept counts the descendants still running when the target ended.
	Swept int `json:"swept,omitempty"`
	// SweepError is set when descendants could not all be killed.
	SweepError string `json:"sweepError,omitempty"`
}

func (r stepResult) cpuTime() time.Duration {
	return r.UserTime + r.SystemTime
}

// superviseMain runs the supervise stage. Orphans are reparented to a child
// subreaper instead of init, so leaving the process group with setsid or
// setpgid does not take a process out of reach.
func superviseMain() {
	status := os.NewFile(statusFD, "status")
	result := os.NewFile(resultFD, "result")
	// Only the exec stage gets the status pipe, and only as fd 3.
	unix.CloseOnExec(statusFD)
	unix.CloseOnExec(resultFD)

	res, err := supervise(status)
	if err != nil {
		reportFailure(status, err)
	}
	if err := json.NewEncoder(result).Encode(res); err != nil {
		reportFailure(status, fmt.Errorf("report result: %w", err))
	}
	os.Exit(0)
}

func supervise(status *os.File) (stepResult, error) {
	// Registered first so a timeout that lands early still ends in a sweep
	// rather than the default SIGTERM exit.
	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)

	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return stepResult{}, fmt.Errorf("become subreaper: %w", err)
	}

	// The runner writes the request only after this process is in its
	// cgroup, so nothing is forked before that.
	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return stepResult{}, fmt.Errorf("read request: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return stepResult{}, fmt.Errorf("locate helper: %w", err)
	}
	cmd := exec.Command(self)
	cmd.Env = []string{InitEnv + "=" + stageExec}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{status}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if err := cmd.Start(); err != nil {
		return stepResult{}, fmt.Errorf("start exec stage: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-term:
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Process.Kill()
		<-done
	}

	state := cmd.ProcessState
	res := stepResult{
		ExitCode:   state.ExitCode(),
		UserTime:   state.UserTime(),
		SystemTime: state.SystemTime(),
	}
	swept, err := killDescendants(sweepTimeout)
	res.Swept = swept
	if err != nil {
		res.SweepError = err.Error()
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signal = int(ws.Signal())
	}
	return res, nil
}

// killDescendants SIGKILLs every process below this one and reaps them. It
// returns how many processes it had to kill. Dying processes hand their
// children to us, so the sweep repeats until the subtree is empty.
func killDescendants(timeout time.Duration) (int, error) {
	self := os.Getpid()
	deadline := time.Now().Add(timeout)
	killed := make(map[int]struct{})

	for {
		pids, err := descendants(self)
		if err != nil {
			return len(killed), err
		}
		for _, pid := range pids {
			if err := unix.Kill(pid, unix.SIGKILL); err == nil {
				killed[pid] = struct{}{}
			}
		}
		if reapChildren() && len(pids) == 0 {
			return len(killed), nil
		}
		if time.Now().After(deadline) {
			return len(killed), fmt.Errorf("%d processes still running after %s", len(pids), timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// reapChildren collects every exited child without blocking. It reports true
// once no children are left at all.
func reapChildren() bool {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.ECHILD):
			return true
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil, pid <= 0:
			return false
		}
	}
}

// descendants lists the live processes whose parent chain leads to root.
// Zombies are left for reapChildren.
func descendants(root int) ([]int, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	parent := make(map[int]int, len(procs))
	live := make(map[int]bool, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// Exited between the listing and the read.
			continue
		}
		parent[stat.PID] = stat.PPID
		live[stat.PID] = stat.State != "Z" && stat.State != "X"
	}

	var out []int
	for pid := range parent {
		if !live[pid] {
			continue
		}
		for p, hops := parent[pid], 0; p > 1 && hops < len(parent); p, hops = parent[p], hops+1 {
			if p == root {
				out = append(out, pid)
				break
			}
		}
	}
	return out, nil
}
