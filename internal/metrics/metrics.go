// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "behavior_guard"

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"method", "route"},
	)

	// Capture metrics
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "events_dropped_total",
			Help:      "Raw events dropped because a session buffer was full",
		},
	)

	MonitorTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "monitor_ticks_total",
			Help:      "Continuous monitor ticks by outcome",
		},
		[]string{"outcome"}, // submitted, skipped, empty
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "active_sessions",
			Help:      "Number of sessions with a running monitor",
		},
	)

	// Scoring metrics
	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "verdicts_total",
			Help:      "Scoring verdicts by strategy and outcome",
		},
		[]string{"strategy", "outcome"}, // normal, anomalous, degraded
	)

	ScoringDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "duration_seconds",
			Help:      "Time spent scoring a profile including store reads",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"strategy"},
	)

	// Escalation metrics
	EscalationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "transitions_total",
			Help:      "Escalation state changes by resulting level",
		},
		[]string{"level"},
	)

	LockoutsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "lockouts_total",
			Help:      "Capability lockouts issued",
		},
		[]string{"capability"},
	)

	// Audit metrics
	AuditFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "sink_failures_total",
			Help:      "Best-effort audit writes that failed, by sink",
		},
		[]string{"sink"},
	)
)

// Outcome maps a verdict to its metric label.
func Outcome(anomalous, degraded bool) string {
	switch {
	case degraded:
		return "degraded"
	case anomalous:
		return "anomalous"
	default:
		return "normal"
	}
}
