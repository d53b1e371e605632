// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs accepted at submission",
	})
	JobsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_deduplicated_total",
		Help: "Total number of submissions resolved to an existing job via idempotency",
	})
	JobsDequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dequeued_total",
		Help: "Total number of job handles popped by workers",
	})
	JobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_succeeded_total",
		Help: "Total number of jobs that reached status=succeeded",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached status=failed",
	})
	JobsCanceled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_canceled_total",
		Help: "Total number of jobs that reached status=canceled",
	})
	JobsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_reaped_total",
		Help: "Total number of in-progress jobs reconciled by the recovery loop",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Wall-clock duration from running to a terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current length of the job queue",
	}, []string{"queue"})
	InProgressCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobs_in_progress",
		Help: "Current size of the in-progress set",
	})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by backend endpoint",
	}, []string{"endpoint"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_circuit_breaker_trips_total",
		Help: "Count of times a backend endpoint's circuit breaker transitioned to Open",
	}, []string{"endpoint"})
	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Count of 429 responses by role",
	}, []string{"role"})
	QuotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_rejections_total",
		Help: "Count of 402 responses by role and kind",
	}, []string{"role", "kind"})
	WorkerSlotsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_slots_active",
		Help: "Number of worker slot goroutines currently running",
	})
	StreamConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "progress_stream_connections",
		Help: "Number of open progress-stream SSE connections",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsDeduplicated, JobsDequeued, JobsSucceeded, JobsFailed,
		JobsCanceled, JobsReaped, JobProcessingDuration, QueueDepth, InProgressCount,
		CircuitBreakerState, CircuitBreakerTrips, RateLimitRejections, QuotaRejections,
		WorkerSlotsActive, StreamConnections,
	)
}

// StartMetricsServer exposes /metrics on its own listener, for processes
// (e.g. the worker role) that don't otherwise run an HTTP server.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
