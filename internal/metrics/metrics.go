// Package metrics exposes the fabric's Prometheus metrics (spec's ambient
// stack: gauges for active sessions/queue depth/subscriber occupancy,
// counters for reports-by-status/dropped-envelopes/decode-failures).
// Grounded on the promauto package-level var style used throughout this
// codebase (internal/circuitbreaker/metrics.go's GlobalMetricsCollector),
// scoped to the fabric's own domain of sessions, queues, and reports.
//
// No other package of the module imports this one, so these collectors
// are registered but not updated by the dispatcher, worker, or observer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions is the current count of sessions the observer's
	// scanner is tracking (spec §4.6 Scanner).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_active_sessions",
			Help: "Number of sessions currently tracked by the observer",
		},
	)

	// QueueDepth is the last-sampled length of one task or report queue
	// (spec §4.6 Queue-depth sampler).
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_queue_depth",
			Help: "Length of a task or report queue at last sample",
		},
		[]string{"session_id", "queue"},
	)

	// SubscriberQueueOccupancy is the current fill level of a session's
	// bounded fan-in queue (spec §4.6 Fan-in Subscriber, capacity 1000).
	SubscriberQueueOccupancy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fabric_subscriber_queue_occupancy",
			Help: "Number of buffered monitor envelopes in a session's fan-in queue",
		},
		[]string{"session_id"},
	)

	// ReportsTotal counts reports received by the Parent Dispatcher,
	// labeled by outcome (spec §4.4 ReceiveReport/ReceiveAllReports).
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_reports_total",
			Help: "Total number of task reports received, by status",
		},
		[]string{"status"},
	)

	// MonitorEnvelopesDroppedTotal counts envelopes dropped from a
	// session's bounded fan-in queue because it was full (spec §4.6,
	// pubsub_listener.py's drop-oldest-on-Full behavior).
	MonitorEnvelopesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_monitor_envelopes_dropped_total",
			Help: "Total number of monitor envelopes dropped from a full fan-in queue",
		},
		[]string{"session_id"},
	)

	// DecodeFailuresTotal counts envelopes that failed to decode, labeled
	// by the component that observed the failure (spec §4.3 edge cases).
	DecodeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_decode_failures_total",
			Help: "Total number of envelopes that failed to decode, by component",
		},
		[]string{"component"},
	)

	// TaskDurationSeconds records worker-reported task durations (spec
	// §4.5 "duration_ms").
	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_task_duration_seconds",
			Help:    "Task handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// RecordReport increments the report counter for status and observes the
// task's duration. The dispatcher does not call it.
func RecordReport(status string, durationMs int64) {
	ReportsTotal.WithLabelValues(status).Inc()
	TaskDurationSeconds.WithLabelValues(status).Observe(float64(durationMs) / 1000.0)
}

// RecordDecodeFailure increments the decode-failure counter for a
// component (e.g. "dispatcher", "worker", "observer").
func RecordDecodeFailure(component string) {
	DecodeFailuresTotal.WithLabelValues(component).Inc()
}

// RecordEnvelopeDropped increments the dropped-envelope counter for a
// session whose fan-in queue was full.
func RecordEnvelopeDropped(sessionID string) {
	MonitorEnvelopesDroppedTotal.WithLabelValues(sessionID).Inc()
}
