// Package metrics exposes Prometheus instrumentation for the execution
// substrate, grounded on the teacher's pkg/metrics (same Timer/Handler
// shape) with the cluster/raft gauges replaced by job-queue, process-
// tracker, and model-server gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaxer_jobs_total",
			Help: "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leaxer_queue_depth",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leaxer_job_duration_seconds",
			Help:    "Wall-clock duration of a job from start to terminal status",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leaxer_scheduling_latency_seconds",
			Help:    "Time taken to re-order the pending queue",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Process tracker metrics
	TrackedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leaxer_tracked_processes",
			Help: "Current number of OS processes tracked",
		},
	)

	ProcessReapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaxer_process_reaps_total",
			Help: "Total number of tracked processes reaped, by reason",
		},
		[]string{"reason"},
	)

	// Model server metrics
	ModelServerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaxer_model_server_restarts_total",
			Help: "Total number of model server restarts, by variant",
		},
		[]string{"variant"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaxer_generation_duration_seconds",
			Help:    "Duration of one graph node's execution; the variant label carries the node type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"variant"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		QueueDepth,
		JobDuration,
		SchedulingLatency,
		TrackedProcesses,
		ProcessReapsTotal,
		ModelServerRestartsTotal,
		GenerationDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
