// Package service contains the execution coordinator: the business layer that
// sits between the HTTP handlers and the process runners.
//
// THE REQUEST LIFECYCLE:
//
//	validate → admit → workspace → compile? → run → normalize → cleanup
//
// Validation happens before anything shared is touched, so a bad request
// never costs a slot or a directory. Everything acquired after that point is
// released with defer, which also runs when a step panics.
//
// DEPENDENCY INJECTION:
// ExecutionService receives its collaborators from main.go. The runner is an
// interface (executor.Runner), so tests swap the real process runner for a
// scripted fake and the docker backend plugs in without changes here.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/code-executor/internal/admission"
	"github.com/sakif/code-executor/internal/apperror"
	"github.com/sakif/code-executor/internal/executor"
	"github.com/sakif/code-executor/internal/metrics"
	"github.com/sakif/code-executor/internal/toolchain"
	"github.com/sakif/code-executor/internal/verdict"
	"github.com/sakif/code-executor/internal/workspace"
)

// Config holds the limits the coordinator enforces.
type Config struct {
	// MaxSourceBytes rejects larger submissions before any work is done.
	MaxSourceBytes int
	// RequestTimeout bounds admission, compile, run and cleanup together.
	RequestTimeout time.Duration
	// Compile and Run are the limit profiles of the two steps, before the
	// toolchain's multipliers are applied.
	Compile executor.Limits
	Run     executor.Limits
}

// Dependencies are the collaborators of an ExecutionService.
type Dependencies struct {
	Registry   *toolchain.Registry
	Workspaces *workspace.Manager
	Runner     executor.Runner
	Admission  *admission.Pool
	Normalizer *verdict.Normalizer
}

// ExecutionService runs submissions end to end. It is safe for concurrent use;
// one instance serves every request.
type ExecutionService struct {
	cfg        Config
	registry   *toolchain.Registry
	workspaces *workspace.Manager
	runner     executor.Runner
	admission  *admission.Pool
	normalizer *verdict.Normalizer
	logger     *slog.Logger
}

// NewExecutionService creates a new ExecutionService.
func NewExecutionService(cfg Config, deps Dependencies, logger *slog.Logger) (*ExecutionService, error) {
	if deps.Registry == nil || deps.Workspaces == nil || deps.Runner == nil || deps.Admission == nil {
		return nil, errors.New("execution service: registry, workspaces, runner and admission are required")
	}
	if cfg.MaxSourceBytes <= 0 {
		return nil, fmt.Errorf("execution service: max source bytes must be positive, got %d", cfg.MaxSourceBytes)
	}
	if deps.Normalizer == nil {
		deps.Normalizer = verdict.NewNormalizer(nil)
	}
	return &ExecutionService{
		cfg:        cfg,
		registry:   deps.Registry,
		workspaces: deps.Workspaces,
		runner:     deps.Runner,
		admission:  deps.Admission,
		normalizer: deps.Normalizer,
		logger:     logger,
	}, nil
}

// Execute compiles (if needed) and runs req.Code.
//
// A program that fails to compile, crashes or runs too long is a normal
// result with the matching verdict. Only system failures return an error:
// validation and admission errors return a nil result, internal failures
// return a result with the InternalError verdict alongside the error.
func (s *ExecutionService) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, apperror.ValidationFailed("code", "code cannot be empty")
	}
	if len(req.Code) > s.cfg.MaxSourceBytes {
		return nil, apperror.PayloadTooLarge("code", s.cfg.MaxSourceBytes)
	}
	spec, err := s.registry.Resolve(req.Language)
	if err != nil {
		return nil, err
	}

	id := xid.New().String()
	logger := s.logger.With(slog.String("execution_id", id), slog.String("language", spec.Language))

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	release, err := s.admission.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperror.Overloaded(err)
		}
		logger.Warn("execution not admitted", slog.String("error", err.Error()))
		return nil, err
	}
	defer release()

	start := time.Now()
	result, err := s.execute(ctx, id, spec, req.Code, logger)
	result.ID = id
	result.Language = spec.Language
	result.DurationMs = time.Since(start).Milliseconds()

	metrics.ExecutionsTotal.WithLabelValues(spec.Language, string(result.Verdict)).Inc()
	metrics.ExecutionDuration.WithLabelValues(spec.Language, "total").Observe(float64(result.DurationMs))
	if result.Truncated {
		metrics.OutputTruncations.WithLabelValues(spec.Language).Inc()
	}

	if err != nil {
		logger.Error("execution failed", slog.String("error", err.Error()))
		return result, err
	}
	logger.Info("execution finished",
		slog.String("verdict", string(result.Verdict)),
		slog.Int64("duration_ms", result.DurationMs),
	)
	return result, nil
}

// execute owns the workspace for one admitted request. The workspace is
// destroyed before the admission slot is released.
func (s *ExecutionService) execute(ctx context.Context, id string, spec toolchain.Spec, code string, logger *slog.Logger) (*executor.ExecutionResult, error) {
	internal := &executor.ExecutionResult{Verdict: executor.VerdictInternalError}

	ws, err := s.workspaces.Create(ctx)
	if err != nil {
		return internal, fmt.Errorf("execution %s: %w", id, err)
	}
	defer s.workspaces.Destroy(ws)

	if _, err := s.workspaces.WriteSource(ws, spec, code); err != nil {
		return internal, fmt.Errorf("execution %s: %w", id, err)
	}

	var compileRun *executor.ProcessRun
	if spec.Compiled() {
		compileRun, err = s.step(ctx, ws, spec, spec.Compile, s.cfg.Compile, "compile")
		if err != nil {
			return internal, fmt.Errorf("execution %s: compile: %w", id, err)
		}
		if !compileRun.Failed() && spec.Artifact != "" {
			if _, statErr := os.Stat(filepath.Join(ws.Root, spec.Artifact)); statErr != nil {
				logger.Debug("compiler produced no artifact", slog.String("artifact", spec.Artifact))
				res := s.normalizer.Normalize(compileRun, nil)
				res.Verdict = executor.VerdictCompileError
				res.Stderr = strings.TrimRight(res.Stderr, "\n")
				if res.Stderr != "" {
					res.Stderr += "\n"
				}
				res.Stderr += fmt.Sprintf("compilation did not produce %s", spec.Artifact)
				return &res, nil
			}
		}
	}

	var run *executor.ProcessRun
	if compileRun == nil || !compileRun.Failed() {
		run, err = s.step(ctx, ws, spec, spec.Run, s.cfg.Run, "run")
		if err != nil {
			return internal, fmt.Errorf("execution %s: run: %w", id, err)
		}
	}

	res := s.normalizer.Normalize(compileRun, run)
	return &res, nil
}

func (s *ExecutionService) step(ctx context.Context, ws *workspace.Workspace, spec toolchain.Spec, argv []string, profile executor.Limits, phase string) (*executor.ProcessRun, error) {
	run, err := s.runner.Run(ctx, executor.Command{
		Argv:                  argv,
		Dir:                   ws.Root,
		Env:                   spec.Env,
		Image:                 spec.Image,
		Limits:                ScaleLimits(profile, spec),
		UnboundedAddressSpace: spec.UnboundedAddressSpace,
	})
	if err != nil {
		return nil, err
	}
	metrics.ExecutionDuration.WithLabelValues(spec.Language, phase).Observe(float64(run.WallTime.Milliseconds()))
	return run, nil
}

// ScaleLimits applies the toolchain's time and memory multipliers to a limit
// profile. A zero multiplier leaves the profile unchanged.
func ScaleLimits(l executor.Limits, spec toolchain.Spec) executor.Limits {
	if m := spec.TimeMultiplier; m > 0 {
		l.CPUTime = time.Duration(float64(l.CPUTime) * m)
		l.WallClock = time.Duration(float64(l.WallClock) * m)
	}
	if m := spec.MemoryMultiplier; m > 0 {
		l.Memory = int64(float64(l.Memory) * m)
	}
	return l
}
