// Package observability provides Prometheus metrics instrumentation for the
// message bus, the normalization pipeline, and the circuit breakers.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// DISPATCH METRICS
// =============================================================================

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlbus_dispatch_total",
			Help: "Total number of bus dispatches",
		},
		[]string{"root", "cardinality", "status"}, // status: ok, no_listener, circuit_open, aborted, error
	)

	dispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xmlbus_dispatch_duration_seconds",
			Help:    "Dispatch duration in seconds, from Publish/Request to the last listener returning",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"root"},
	)
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelineProcessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlbus_pipeline_process_total",
			Help: "Total number of normalization pipeline runs",
		},
		[]string{"root", "status"}, // status: passthrough, healed, unrepairable
	)

	pipelineHealingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlbus_pipeline_healings_total",
			Help: "Total number of messages that required healing",
		},
		[]string{"root", "strategy"}, // strategy: schema_guided, aggressive
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xmlbus_pipeline_duration_seconds",
			Help:    "Normalization pipeline run duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"root"},
	)
)

// =============================================================================
// CIRCUIT BREAKER METRICS
// =============================================================================

var (
	circuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlbus_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"listener_id", "to_state"}, // to_state: open, half_open, closed
	)

	circuitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlbus_circuit_rejections_total",
			Help: "Total number of dispatches rejected by an open circuit",
		},
		[]string{"listener_id"},
	)
)

// =============================================================================
// PENDING REQUEST METRICS
// =============================================================================

var (
	pendingRequestsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xmlbus_pending_requests",
			Help: "Current number of requests awaiting a correlated reply",
		},
	)

	pendingTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xmlbus_pending_timeouts_total",
			Help: "Total number of pending requests that timed out without a reply",
		},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordDispatch records one Publish/Request dispatch outcome.
func RecordDispatch(root, cardinality, status string, durationMS int) {
	dispatchTotal.WithLabelValues(root, cardinality, status).Inc()
	dispatchDurationSeconds.WithLabelValues(root).Observe(float64(durationMS) / 1000.0)
}

// RecordPipelineProcess records one normalization pipeline run.
func RecordPipelineProcess(root, status string, durationMS int) {
	pipelineProcessTotal.WithLabelValues(root, status).Inc()
	pipelineDurationSeconds.WithLabelValues(root).Observe(float64(durationMS) / 1000.0)
}

// RecordPipelineHealing records that a message required healing and by
// which strategy.
func RecordPipelineHealing(root, strategy string) {
	pipelineHealingsTotal.WithLabelValues(root, strategy).Inc()
}

// RecordCircuitTransition records a circuit breaker moving to toState.
func RecordCircuitTransition(listenerID, toState string) {
	circuitTransitionsTotal.WithLabelValues(listenerID, toState).Inc()
}

// RecordCircuitRejection records a dispatch rejected by an open circuit.
func RecordCircuitRejection(listenerID string) {
	circuitRejectionsTotal.WithLabelValues(listenerID).Inc()
}

// SetPendingRequests sets the current pending-request gauge to n.
func SetPendingRequests(n int) {
	pendingRequestsGauge.Set(float64(n))
}

// RecordPendingTimeout records one pending request timing out unreplied.
func RecordPendingTimeout() {
	pendingTimeoutsTotal.Inc()
}
