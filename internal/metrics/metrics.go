// Package metrics holds the prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "code_executor_executions_total",
			Help: "Total number of executions by language and verdict",
		},
		[]string{"language", "verdict"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "code_executor_step_duration_ms",
			Help:    "Wall time of one execution step in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language", "phase"}, // phase: "compile", "run", "total"
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "code_executor_in_flight",
			Help: "Number of executions currently holding an admission slot",
		},
	)

	AdmissionRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "code_executor_admission_rejections_total",
			Help: "Requests rejected because no execution slot became free in time",
		},
	)

	WorkspaceCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "code_executor_workspace_cleanup_failures_total",
			Help: "Workspaces that could not be removed",
		},
	)

	OutputTruncations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "code_executor_output_truncations_total",
			Help: "Executions whose captured output exceeded the configured cap",
		},
		[]string{"language"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "code_executor_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
