//go:build !linux

package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/executor"
)

const InitEnv = "CODE_EXECUTOR_SANDBOX_INIT"

var errUnsupported = errors.New("the process backend requires linux; use EXECUTOR_BACKEND=docker")

type Config struct {
	HelperPath  string
	CgroupRoot  string
	OutputLimit int64
	WaitDelay   time.Duration
	BaseEnv     []string
}

type Runner struct{}

func New(Config, *slog.Logger) (*Runner, error) {
	return nil, errUnsupported
}

func DefaultEnv() []string {
	return []string{"PATH=" + os.Getenv("PATH")}
}

func (r *Runner) Run(context.Context, executor.Command) (*executor.ProcessRun, error) {
	return nil, apperror.SpawnFailure(errUnsupported)
}

func IsInitProcess() bool {
	return false
}

func InitMain() {
	os.Exit(127)
}
