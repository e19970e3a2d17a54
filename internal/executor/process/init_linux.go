//go:build linux

package process

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// InitEnv marks a process as one of the two sandbox-init helper stages. Its
// value selects the stage.
const InitEnv = "CODE_EXECUTOR_SANDBOX_INIT"

const (
	// stageSupervise is started by the Runner. It becomes a child subreaper,
	// starts the exec stage and kills everything left below it afterwards.
	stageSupervise = "supervise"
	// stageExec applies the limits and execs the target program.
	stageExec = "exec"
)

// statusFD is the helper's end of the status pipe (ExtraFiles[0]).
const statusFD = 3

// initFailureExit is the helper's exit code when it fails before exec.
const initFailureExit = 127

// initRequest is the payload the runner writes to the helper's stdin.
type initRequest struct {
	Argv         []string `json:"argv"`
	Dir          string   `json:"dir"`
	Env          []string `json:"env"`
	CPUSeconds   uint64   `json:"cpuSeconds,omitempty"`
	AddressSpace uint64   `json:"addressSpace,omitempty"`
	FileSize     uint64   `json:"fileSize,omitempty"`
}

// IsInitProcess reports whether the current process was started by a Runner
// as its sandbox-init helper. main must check this before doing anything else.
func IsInitProcess() bool {
	stage := os.Getenv(InitEnv)
	return stage == stageSupervise || stage == stageExec
}

// InitMain runs the sandbox-init helper stage named by InitEnv. It never
// returns: on failure the reason is written to the status pipe and the
// process exits.
func InitMain() {
	if os.Getenv(InitEnv) == stageSupervise {
		superviseMain()
	}

	status := os.NewFile(statusFD, "status")
	// The status pipe must close on exec so the runner sees EOF once the
	// target program is running.
	unix.CloseOnExec(statusFD)

	if err := initAndExec(); err != nil {
		reportFailure(status, err)
	}
	os.Exit(initFailureExit)
}

func reportFailure(status *os.File, err error) {
	if status != nil {
		_, _ = status.WriteString(err.Error())
	}
	os.Exit(initFailureExit)
}

func initAndExec() error {
	var req initRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return fmt.Errorf("command is required")
	}
	if req.Dir == "" {
		return fmt.Errorf("work dir is required")
	}

	if err := os.Chdir(req.Dir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	_ = devNull.Close()

	os.Clearenv()
	for _, kv := range req.Env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}

	path, err := exec.LookPath(req.Argv[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	// Limits go last: RLIMIT_AS also constrains this helper's own runtime.
	if err := applyRlimits(req); err != nil {
		return err
	}

	if err := unix.Exec(path, req.Argv, req.Env); err != nil {
		return fmt.Errorf("exec %s: %w", req.Argv[0], err)
	}
	return nil
}

func applyRlimits(req initRequest) error {
	if req.CPUSeconds > 0 {
		// A soft limit below the hard one delivers SIGXCPU first, which
		// the runner reports as a timeout.
		lim := unix.Rlimit{Cur: req.CPUSeconds, Max: req.CPUSeconds + 1}
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &lim); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if req.AddressSpace > 0 {
		lim := unix.Rlimit{Cur: req.AddressSpace, Max: req.AddressSpace}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
			return fmt.Errorf("set rlimit as: %w", err)
		}
	}
	if req.FileSize > 0 {
		lim := unix.Rlimit{Cur: req.FileSize, Max: req.FileSize}
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &lim); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	return nil
}
