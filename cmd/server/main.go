// Package main is the entry point for the code execution server.
//
// MAIN PACKAGE IN GO:
// main.go stays small. Its job is to:
// 1. Read configuration
// 2. Build the dependencies (logger, toolchains, workspaces, runner, pool)
// 3. Hand them to the server and block until shutdown
//
// All actual logic lives in the internal/ packages.
//
// THE SANDBOX HELPER:
// The local process runner starts every compile and run step by re-executing
// this same binary with a marker in its environment. That child supervises a
// second copy, which applies the resource limits to itself and then execs the
// toolchain. The check at the top
// of main() must run before anything else so the helper never starts a server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sakif/code-executor/internal/admission"
	"github.com/sakif/code-executor/internal/config"
	"github.com/sakif/code-executor/internal/executor"
	"github.com/sakif/code-executor/internal/executor/docker"
	"github.com/sakif/code-executor/internal/executor/process"
	"github.com/sakif/code-executor/internal/logging"
	"github.com/sakif/code-executor/internal/server"
	"github.com/sakif/code-executor/internal/service"
	"github.com/sakif/code-executor/internal/toolchain"
	"github.com/sakif/code-executor/internal/verdict"
	"github.com/sakif/code-executor/internal/workspace"
)

func main() {
	if process.IsInitProcess() {
		process.InitMain() // never returns
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "code-executor:", err)
		os.Exit(1)
	}
}

func run() error {
	// === 1. CONFIGURATION AND LOGGING ===
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	// === 2. TOOLCHAINS ===
	// Built-in toolchains first; a TOOLCHAINS_FILE entry with the same
	// language id replaces the built-in one.
	registry, err := toolchain.NewRegistry(toolchain.Defaults()...)
	if err != nil {
		return fmt.Errorf("building toolchain registry: %w", err)
	}
	if cfg.ToolchainsFile != "" {
		specs, err := toolchain.LoadFile(cfg.ToolchainsFile)
		if err != nil {
			return fmt.Errorf("loading toolchains: %w", err)
		}
		for _, spec := range specs {
			if err := registry.Register(spec); err != nil {
				return fmt.Errorf("registering toolchain: %w", err)
			}
		}
		logger.Info("toolchains loaded", slog.String("file", cfg.ToolchainsFile), slog.Int("count", len(specs)))
	}

	// === 3. RUNNER ===
	runner, closeRunner, err := newRunner(cfg, registry, logger)
	if err != nil {
		return err
	}
	defer closeRunner()

	// === 4. WORKSPACES ===
	// Containers run as an unprivileged uid that must be able to write the
	// bind-mounted workspace.
	var wsOpts []workspace.Option
	if cfg.Backend == config.BackendDocker {
		wsOpts = append(wsOpts, workspace.WithDirMode(0o777))
	}
	workspaces, err := workspace.Open(cfg.WorkspaceRoot, logger, wsOpts...)
	if err != nil {
		return fmt.Errorf("opening workspace root: %w", err)
	}
	defer func() {
		if err := workspaces.Close(); err != nil {
			logger.Warn("workspace root cleanup failed", slog.String("error", err.Error()))
		}
	}()

	// === 5. ADMISSION AND NORMALIZATION ===
	pool, err := admission.New(cfg.MaxConcurrent, cfg.AdmissionTimeout)
	if err != nil {
		return err
	}
	interp, err := verdict.InterpreterByName(cfg.OutputPolicy)
	if err != nil {
		return err
	}

	// === 6. SERVICE AND SERVER ===
	svc, err := service.NewExecutionService(service.Config{
		MaxSourceBytes: cfg.MaxSourceBytes,
		RequestTimeout: cfg.RequestTimeout,
		Compile:        cfg.Compile,
		Run:            cfg.Run,
	}, service.Dependencies{
		Registry:   registry,
		Workspaces: workspaces,
		Runner:     runner,
		Admission:  pool,
		Normalizer: verdict.NewNormalizer(interp),
	}, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Port: cfg.Port,
		// JSON escaping can expand the code; leave headroom over the source
		// cap and let the service enforce the exact limit.
		MaxBodyBytes:       int64(cfg.MaxSourceBytes)*6 + 4096,
		RequestTimeout:     cfg.RequestTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
	}, server.Dependencies{
		Executor:   svc,
		Toolchains: registry,
		Capacity:   pool,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("execution engine ready",
		slog.String("backend", cfg.Backend),
		slog.String("workspace_root", workspaces.Base()),
		slog.Int("max_concurrent", cfg.MaxConcurrent),
		slog.String("output_policy", interp.Name()),
	)

	// Start() blocks until SIGINT or SIGTERM.
	return srv.Start()
}

// newRunner builds the configured backend and a function releasing it.
func newRunner(cfg config.Config, registry *toolchain.Registry, logger *slog.Logger) (executor.Runner, func(), error) {
	switch cfg.Backend {
	case config.BackendDocker:
		dcfg := docker.DefaultConfig()
		dcfg.OutputLimit = cfg.MaxOutputBytes
		if cfg.DockerUser != "" {
			dcfg.User = cfg.DockerUser
		}
		r, err := docker.New(dcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("docker runner: %w", err)
		}
		if cfg.DockerPull {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout*10)
			err := r.Pull(ctx, registry.Images())
			cancel()
			if err != nil {
				r.Close()
				return nil, nil, fmt.Errorf("pulling toolchain images: %w", err)
			}
		}
		return r, func() { r.Close() }, nil

	default:
		r, err := process.New(process.Config{
			HelperPath:  cfg.SandboxHelper,
			CgroupRoot:  cfg.CgroupRoot,
			OutputLimit: cfg.MaxOutputBytes,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("process runner: %w", err)
		}
		if cfg.CgroupRoot == "" {
			logger.Warn("CGROUP_ROOT not set: memory is bounded by RLIMIT_AS only and the process count is not capped",
				slog.Int64("max_processes", cfg.Run.Processes),
			)
		}
		return r, func() {}, nil
	}
}
