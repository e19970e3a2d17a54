// Package config loads service configuration from the environment.
//
// A .env file in the working directory is loaded first when present; real
// environment variables always win over it. Byte sizes accept the usual
// suffixes ("256m", "1MiB", "64k"), durations use time.ParseDuration syntax.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"

	"github.com/sakif/code-executor/internal/admission"
	"github.com/sakif/code-executor/internal/executor"
)

// Config is the complete service configuration.
type Config struct {
	Port int

	WorkspaceRoot    string
	MaxConcurrent    int
	AdmissionTimeout time.Duration
	RequestTimeout   time.Duration

	Compile executor.Limits
	Run     executor.Limits

	MaxSourceBytes int
	MaxOutputBytes int64
	OutputPolicy   string

	Backend        string // "process" or "docker"
	SandboxHelper  string
	CgroupRoot     string
	DockerUser     string
	DockerPull     bool
	ToolchainsFile string

	LogLevel  string
	LogFormat string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Load reads .env (if present) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	p := parser{lookup: lookup}

	backend := strings.ToLower(p.string("EXECUTOR_BACKEND", BackendProcess))
	cgroupRoot := p.string("CGROUP_ROOT", "")

	// The process cap is only enforced per run by a pids cgroup: pids.max
	// under CGROUP_ROOT or the container's pids limit. Without either there
	// is nothing to apply it to, so it defaults off.
	defaultProcesses := int64(0)
	if backend == BackendDocker || cgroupRoot != "" {
		defaultProcesses = 64
	}
	maxProcesses := p.int64("MAX_PROCESSES", defaultProcesses)
	maxFileSize := p.bytes("MAX_FILE_SIZE", 16<<20)

	cfg := Config{
		Port: p.int("PORT", 8080),

		WorkspaceRoot:    p.string("WORKSPACE_ROOT", filepath.Join(os.TempDir(), "code-executor")),
		MaxConcurrent:    p.int("MAX_CONCURRENT", admission.DefaultSize()),
		AdmissionTimeout: p.duration("ADMISSION_TIMEOUT", 2*time.Second),
		RequestTimeout:   p.duration("REQUEST_TIMEOUT", 30*time.Second),

		Compile: executor.Limits{
			CPUTime:   p.duration("COMPILE_CPU_TIME", 10*time.Second),
			WallClock: p.duration("COMPILE_WALL_TIME", 15*time.Second),
			Memory:    p.bytes("COMPILE_MEMORY", 512<<20),
			Processes: maxProcesses,
			FileSize:  maxFileSize,
		},
		Run: executor.Limits{
			CPUTime:   p.duration("RUN_CPU_TIME", 2*time.Second),
			WallClock: p.duration("RUN_WALL_TIME", 5*time.Second),
			Memory:    p.bytes("RUN_MEMORY", 256<<20),
			Processes: maxProcesses,
			FileSize:  maxFileSize,
		},

		MaxSourceBytes: int(p.bytes("MAX_SOURCE_BYTES", 64<<10)),
		MaxOutputBytes: p.bytes("MAX_OUTPUT_BYTES", 1<<20),
		OutputPolicy:   strings.ToLower(p.string("OUTPUT_POLICY", "raw")),

		Backend:        backend,
		SandboxHelper:  p.string("SANDBOX_HELPER", ""),
		CgroupRoot:     cgroupRoot,
		DockerUser:     p.string("DOCKER_USER", ""),
		DockerPull:     p.bool("DOCKER_PULL", false),
		ToolchainsFile: p.string("TOOLCHAINS_FILE", ""),

		LogLevel:  strings.ToLower(p.string("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(p.string("LOG_FORMAT", "text")),

		CORSAllowedOrigins: p.list("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:       p.float("RATE_LIMIT_RPS", 0),
		RateLimitBurst:     p.int("RATE_LIMIT_BURST", 10),
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that parse but make no sense together.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT must be positive, got %d", c.MaxConcurrent))
	}
	if c.AdmissionTimeout <= 0 {
		errs = append(errs, errors.New("ADMISSION_TIMEOUT must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.Run.WallClock <= 0 || c.Compile.WallClock <= 0 {
		errs = append(errs, errors.New("RUN_WALL_TIME and COMPILE_WALL_TIME must be positive"))
	}
	if c.MaxSourceBytes <= 0 {
		errs = append(errs, errors.New("MAX_SOURCE_BYTES must be positive"))
	}
	if c.Backend != BackendProcess && c.Backend != BackendDocker {
		errs = append(errs, fmt.Errorf("EXECUTOR_BACKEND must be %q or %q, got %q", BackendProcess, BackendDocker, c.Backend))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS cannot be negative"))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	return errors.Join(errs...)
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) raw(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) string(key, def string) string {
	if v, ok := p.raw(key); ok {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return def
	}
	return n
}

func (p *parser) int64(key string, def int64) int64 {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return def
	}
	return d
}

// bytes parses sizes with binary multiples: "256m" and "256MiB" are both
// 256 * 1024 * 1024.
func (p *parser) bytes(key string, def int64) int64 {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, v, err))
		return def
	}
	return n
}

func (p *parser) list(key string, def []string) []string {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
