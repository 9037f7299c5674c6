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
		Name: "batch_jobs_submitted_total",
		Help: "The total number of batch inference jobs submitted",
	}, []string{"stage", "model_id"})

	JobsResumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_jobs_resumed_total",
		Help: "The total number of continuations resumed, by terminal status",
	}, []string{"status"})

	SubmissionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_submission_retries_total",
		Help: "The total number of throttled submission attempts that were retried",
	})

	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_records_processed_total",
		Help: "The total number of records written to batch input files",
	}, []string{"stage"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Wall-clock duration of a pipeline stage, preprocess through fan-in.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"stage"})
)

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, nil); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
