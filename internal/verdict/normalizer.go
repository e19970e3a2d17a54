// Package verdict turns raw process runs into a normalized ExecutionResult.
package verdict

import (
	"fmt"
	"strings"

	"github.com/sakif/code-executor/internal/executor"
)

// Interpreter classifies the stdout of a run that exited cleanly.
type Interpreter interface {
	Name() string
	Interpret(stdout string) executor.Verdict
}

// Raw reports Success for every clean exit and passes stdout through.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Interpret(string) executor.Verdict { return executor.VerdictSuccess }

// Boolean treats the program's output as a yes/no answer: trimmed stdout
// equal to "true" (any case) is Success, anything else is Failure.
type Boolean struct{}

func (Boolean) Name() string { return "boolean" }

func (Boolean) Interpret(stdout string) executor.Verdict {
	if strings.EqualFold(strings.TrimSpace(stdout), "true") {
		return executor.VerdictSuccess
	}
	return executor.VerdictFailure
}

// InterpreterByName returns the interpreter registered under name.
func InterpreterByName(name string) (Interpreter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "raw":
		return Raw{}, nil
	case "boolean", "bool":
		return Boolean{}, nil
	default:
		return nil, fmt.Errorf("unknown output policy %q", name)
	}
}

// Normalizer maps compile and run records to a verdict.
type Normalizer struct {
	interp Interpreter
}

// NewNormalizer returns a Normalizer using interp, or Raw when interp is nil.
func NewNormalizer(interp Interpreter) *Normalizer {
	if interp == nil {
		interp = Raw{}
	}
	return &Normalizer{interp: interp}
}

// Interpreter returns the configured output interpreter.
func (n *Normalizer) Interpreter() Interpreter {
	return n.interp
}

// Normalize classifies one execution. compile is nil for interpreted
// languages; run is nil when the compile step failed.
//
// The returned result carries verdict, output and truncation only. Identity
// and timing are filled in by the caller.
func (n *Normalizer) Normalize(compile, run *executor.ProcessRun) executor.ExecutionResult {
	if compile != nil && compile.Failed() {
		res := executor.ExecutionResult{
			Verdict:   executor.VerdictCompileError,
			Stdout:    compile.Stdout,
			Stderr:    compile.Stderr,
			Truncated: compile.StdoutTruncated || compile.StderrTruncated,
		}
		if compile.TimedOut {
			res.Verdict = executor.VerdictTimeout
			res.Stderr = appendNote(res.Stderr, fmt.Sprintf("compilation timed out after %s", compile.Limits.WallClock))
		} else if compile.OOMKilled {
			res.Stderr = appendNote(res.Stderr, "compiler exceeded the memory limit")
		}
		return res
	}

	if run == nil {
		return executor.ExecutionResult{
			Verdict: executor.VerdictInternalError,
			Stderr:  "no run step was executed",
		}
	}

	res := executor.ExecutionResult{
		Stdout:    run.Stdout,
		Stderr:    run.Stderr,
		Truncated: run.StdoutTruncated || run.StderrTruncated,
	}

	switch {
	case run.TimedOut:
		res.Verdict = executor.VerdictTimeout
		res.Stderr = appendNote(res.Stderr, fmt.Sprintf("execution timed out after %s", run.Limits.WallClock))
	case run.OOMKilled:
		res.Verdict = executor.VerdictRuntimeError
		res.Stderr = appendNote(res.Stderr, "memory limit exceeded")
	case run.Signal != "":
		res.Verdict = executor.VerdictRuntimeError
		res.Stderr = appendNote(res.Stderr, "terminated by signal "+run.Signal)
	case run.ExitCode != 0:
		res.Verdict = executor.VerdictRuntimeError
	default:
		res.Verdict = n.interp.Interpret(run.Stdout)
	}
	return res
}

func appendNote(stderr, note string) string {
	if stderr == "" {
		return note
	}
	if !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}
	return stderr + note
}
