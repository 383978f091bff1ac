// Package metrics exposes the Prometheus collectors tripsaga's
// components record against: saga throughput and step latency, the
// blackboard's read/write/hit/miss/expire counts, the bus's dropped
// envelope count, and SLA transitions. Adapted from the teacher's
// pkg/metrics/metrics.go (private registry + promhttp.HandlerFor),
// trimmed to this runtime's domain instead of HTTP/oracle metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds tripsaga's application-specific collectors, kept on
// this package's own registry rather than on prometheus's global default
// registry (spec.md §9 Design Note: no process-wide mutable
// singletons).
var Registry = prometheus.NewRegistry()

var (
	SagasStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripsaga",
			Subsystem: "workflow",
			Name:      "sagas_started_total",
			Help:      "Total number of sagas admitted, by template.",
		},
		[]string{"template"},
	)

	SagasCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripsaga",
			Subsystem: "workflow",
			Name:      "sagas_completed_total",
			Help:      "Total number of sagas that reached a terminal status, by template and status.",
		},
		[]string{"template", "status"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tripsaga",
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of a single step dispatch, by step id and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"step", "outcome"},
	)

	SLATransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripsaga",
			Subsystem: "workflow",
			Name:      "sla_transitions_total",
			Help:      "Total number of sla_status transitions, by new status.",
		},
		[]string{"status"},
	)

	BlackboardOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tripsaga",
			Subsystem: "blackboard",
			Name:      "operations_total",
			Help:      "Total blackboard operations, by namespace and kind (read, write, hit, miss, expire).",
		},
		[]string{"namespace", "kind"},
	)

	BusEnvelopesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tripsaga",
			Subsystem: "bus",
			Name:      "envelopes_dropped_total",
			Help:      "Total envelopes dropped because a saga lane's queue was full.",
		},
	)
)

func init() {
	Registry.MustRegister(
		SagasStarted,
		SagasCompleted,
		StepDuration,
		SLATransitions,
		BlackboardOps,
		BusEnvelopesDropped,
	)
}

// Handler returns the HTTP handler cmd/planner mounts at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
