package executor

import (
	"context"
	"time"
)

// Verdict is the normalized classification of an execution outcome.
type Verdict string

const (
	VerdictSuccess       Verdict = "Success"
	VerdictFailure       Verdict = "Failure"
	VerdictCompileError  Verdict = "CompileError"
	VerdictRuntimeError  Verdict = "RuntimeError"
	VerdictTimeout       Verdict = "Timeout"
	VerdictInternalError Verdict = "InternalError"
)

// ExecutionRequest represents a request to execute source code.
type ExecutionRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ExecutionResult represents the normalized outcome of one execution.
type ExecutionResult struct {
	ID         string  `json:"id"`
	Language   string  `json:"language"`
	Verdict    Verdict `json:"verdict"`
	Stdout     string  `json:"output"`
	Stderr     string  `json:"error"`
	DurationMs int64   `json:"durationMs"`
	Truncated  bool    `json:"truncated,omitempty"`
}

// Executor represents the core interface for running code in an isolated environment.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// Limits bounds one child-process invocation. A zero field means no limit.
type Limits struct {
	CPUTime   time.Duration
	WallClock time.Duration
	Memory    int64 // bytes
	Processes int64
	FileSize  int64 // bytes, largest file the process may write
}

// Command is one compile or run step.
type Command struct {
	Argv  []string
	Dir   string
	Env   []string
	Image string // container image, ignored by the local runner

	Limits Limits

	// UnboundedAddressSpace skips the virtual memory rlimit for runtimes that
	// reserve large address ranges up front (JVM, V8, Go).
	UnboundedAddressSpace bool
}

// ProcessRun is the raw record of one child-process invocation.
type ProcessRun struct {
	Argv   []string
	Dir    string
	Limits Limits

	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool

	ExitCode  int
	Signal    string
	WallTime  time.Duration
	TimedOut  bool
	OOMKilled bool
}

// Failed reports whether the step ended in anything other than a clean exit.
func (r *ProcessRun) Failed() bool {
	return r.TimedOut || r.ExitCode != 0 || r.Signal != ""
}

// Runner spawns a single step under limits. Implementations must terminate
// the whole process tree when ctx is done or the wall clock expires.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*ProcessRun, error)
}
