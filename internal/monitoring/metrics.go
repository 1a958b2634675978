// Package monitoring exposes prometheus metrics for the export pipeline.
//
// Export failures never reach application code, so these counters (together
// with the zap log) are the only way to observe the health of the pipeline:
// queue drops, retries, discarded tasks, and forced trace timeouts.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Export outcome label values.
const (
	OutcomeOK        = "ok"
	OutcomeDiscarded = "discarded"
)

// Metrics holds all prometheus metrics for the tracing subsystem.
type Metrics struct {
	// Export pipeline
	ExportsTotal   *prometheus.CounterVec
	ExportRetries  prometheus.Counter
	ExportDuration prometheus.Histogram
	QueueDepth     prometheus.Gauge
	QueueDropped   prometheus.Counter

	// Trace lifecycle
	TracesActive   prometheus.Gauge
	TracesStarted  prometheus.Counter
	TracesTimedOut prometheus.Counter

	startTime time.Time
}

// New creates a metrics collector registered against reg. A nil registerer
// leaves the metrics unregistered, which keeps tests and multi-tracer
// processes free of duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		ExportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowtrace_exports_total",
				Help: "Total number of export tasks by terminal outcome",
			},
			[]string{"outcome"},
		),
		ExportRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowtrace_export_retries_total",
				Help: "Total number of export retry attempts",
			},
		),
		ExportDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowtrace_export_duration_seconds",
				Help:    "Wall time from dequeue to terminal outcome, retries included",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowtrace_export_queue_depth",
				Help: "Number of export tasks waiting in the queue",
			},
		),
		QueueDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowtrace_export_queue_dropped_total",
				Help: "Total number of export tasks dropped because the queue was full",
			},
		),

		TracesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowtrace_traces_active",
				Help: "Number of traces currently in progress",
			},
		),
		TracesStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowtrace_traces_started_total",
				Help: "Total number of traces started",
			},
		),
		TracesTimedOut: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flowtrace_traces_timed_out_total",
				Help: "Total number of traces force-closed by the timeout supervisor",
			},
		),
	}
}

// RecordExport records a terminal export outcome and its duration.
func (m *Metrics) RecordExport(outcome string, elapsed time.Duration) {
	m.ExportsTotal.WithLabelValues(outcome).Inc()
	m.ExportDuration.Observe(elapsed.Seconds())
}

// Uptime returns how long this collector has existed.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
