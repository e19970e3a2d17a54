// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the wiring layer. It decides which URL maps to which
// handler, what middleware runs in front of them, and how the listener starts
// and stops.
//
// WHY SEPARATE FROM main.go?
// main.go builds the execution engine (registry, workspaces, runner, pool).
// The server only receives the interfaces the handlers need, so tests can
// build a router around fakes without touching the filesystem or processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/code-executor/internal/executor"
	"github.com/sakif/code-executor/internal/handler"
	"github.com/sakif/code-executor/internal/middleware"
)

// Config holds server configuration.
type Config struct {
	Port int

	// MaxBodyBytes caps the raw POST /execute body.
	MaxBodyBytes int64
	// RequestTimeout is the execution deadline; the write timeout is derived
	// from it so a slow verdict is never cut off mid-response.
	RequestTimeout time.Duration

	CORSAllowedOrigins []string
	RateLimitRPS       float64 // 0 disables rate limiting
	RateLimitBurst     int
}

// Dependencies are the collaborators the handlers need.
type Dependencies struct {
	Executor   executor.Executor
	Toolchains handler.ToolchainLister
	Capacity   handler.CapacityReporter
}

// Server represents the HTTP server and its router.
type Server struct {
	router  *chi.Mux
	config  Config
	logger  *slog.Logger
	limiter *middleware.RateLimiter
}

// New creates a new Server with the given config.
func New(cfg Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if deps.Executor == nil || deps.Toolchains == nil || deps.Capacity == nil {
		return nil, errors.New("server: executor, toolchains and capacity are required")
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	s.setupRoutes(deps)
	return s, nil
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// POST /execute    → run submitted code, return the verdict
// GET  /languages  → supported languages
// GET  /healthz    → liveness and in-flight executions
// GET  /metrics    → prometheus metrics
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: every log line of a request carries the same id
// 2. RealIP: RemoteAddr becomes the client IP, which the rate limiter keys on
// 3. Logger: logs each request with timing info
// 4. Recoverer: a panic becomes a 500 instead of killing the process
// 5. CORS: the browser frontend lives on another origin
//
// The rate limiter only guards /execute; health checks and scrapes are never
// throttled.
func (s *Server) setupRoutes(deps Dependencies) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(corsHandler(s.config.CORSAllowedOrigins))

	executeHandler := handler.NewExecuteHandler(deps.Executor, s.config.MaxBodyBytes, s.logger)
	infoHandler := handler.NewInfoHandler(deps.Toolchains, deps.Capacity)

	s.router.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/execute", executeHandler.HandleExecute)
	})
	s.router.Get("/languages", infoHandler.HandleLanguages)
	s.router.Get("/healthz", infoHandler.HandleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return cors.AllowAll().Handler
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	})
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is done.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new connections
// 2. Wait for in-flight executions to finish, bounded by the request
//    timeout plus a margin
// 3. Return, letting main.go release the workspace base
func (s *Server) Run(ctx context.Context) error {
	writeTimeout := s.config.RequestTimeout + 15*time.Second
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	limiterCtx, cancelLimiter := context.WithCancel(ctx)
	defer cancelLimiter()
	if s.limiter != nil {
		s.limiter.StartCleanup(limiterCtx, time.Minute)
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	}
}
