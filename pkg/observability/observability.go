package observability

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_jobs_submitted_total",
		Help: "The total number of submitted jobs",
	}, []string{"job_type", "deduplicated"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_jobs_finished_total",
		Help: "The total number of jobs reaching a terminal status",
	}, []string{"job_type", "status"})

	StageAdvancements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_stage_advancements_total",
		Help: "The total number of stage transitions performed by the orchestrator",
	}, []string{"job_type"})

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_tasks_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"task_type", "outcome"}) // outcome: completed, retried, failed

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "etl_task_duration_seconds",
		Help:    "Duration of task handler execution.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"task_type"})

	RetriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_retries_scheduled_total",
		Help: "The total number of delayed retry messages published",
	}, []string{"task_type"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_outbox_published_total",
		Help: "The total number of outbox messages relayed to the broker",
	}, []string{"channel"})
)

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
