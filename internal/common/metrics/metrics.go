// Package metrics exposes the Prometheus collectors for the station
// binary: stability-detector transitions, FSM state/pause-reason,
// outbox queue depth, and worker retry/backoff counts. Operation
// latency for the outbox store is covered by
// internal/common/repository.Instrument rather than duplicated here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stability detector metrics

	// StabilityTransitions tracks STABLE/UNSTABLE transitions reported by
	// the detector.
	StabilityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "station",
			Subsystem: "stability",
			Name:      "transitions_total",
			Help:      "Total stability state transitions",
		},
		[]string{"to"}, // to: stable, unstable
	)

	// StabilityCurrentCV tracks the detector's current sliding-window range
	// divided by the window mean (a range-based spread ratio), per device.
	StabilityCurrentCV = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "station",
			Subsystem: "stability",
			Name:      "coefficient_of_variation",
			Help:      "Current sliding-window range divided by the window mean",
		},
		[]string{"device_id"},
	)

	// Batch-weigh FSM metrics

	// FSMTransitions tracks FSM state transitions by destination state.
	FSMTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "station",
			Subsystem: "fsm",
			Name:      "transitions_total",
			Help:      "Total FSM state transitions",
		},
		[]string{"device_id", "to_state"},
	)

	// FSMPauses tracks Pause events by reason.
	FSMPauses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "station",
			Subsystem: "fsm",
			Name:      "pauses_total",
			Help:      "Total Pause events by reason",
		},
		[]string{"device_id", "reason"},
	)

	// FSMState is a gauge-per-state snapshot (1 for the active state, 0
	// otherwise), one gauge set per device.
	FSMState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "station",
			Subsystem: "fsm",
			Name:      "state",
			Help:      "Current FSM state (1=active, 0=inactive) per device/state pair",
		},
		[]string{"device_id", "state"},
	)

	// Outbox store metrics

	// OutboxQueueDepth tracks the number of non-terminal rows per outbox
	// table, set by the print worker on each poll (print_outbox) and by the
	// orchestrator on each PrintRequested (erp_outbox).
	OutboxQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "station",
			Subsystem: "outbox",
			Name:      "queue_depth",
			Help:      "Number of non-terminal rows pending in an outbox table",
		},
		[]string{"table"}, // print_outbox, erp_outbox
	)

	// Worker metrics

	// WorkerJobsCompleted tracks jobs a worker drove to a terminal,
	// successful outcome.
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "station",
			Subsystem: "worker",
			Name:      "jobs_completed_total",
			Help:      "Total jobs driven to a terminal successful outcome",
		},
		[]string{"worker"}, // print, erp
	)

	// WorkerRetries tracks retry-with-backoff occurrences by worker and
	// reason.
	WorkerRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "station",
			Subsystem: "worker",
			Name:      "retries_total",
			Help:      "Total retry-with-backoff occurrences",
		},
		[]string{"worker", "reason"},
	)

	// WorkerFailures tracks jobs that exhausted their retry budget and
	// moved to a terminal failure state.
	WorkerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "station",
			Subsystem: "worker",
			Name:      "failures_total",
			Help:      "Total jobs that exhausted their retry budget",
		},
		[]string{"worker"},
	)

	// Transport metrics

	// TransportBreakerState tracks the printer/ERP circuit breaker state.
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing).
	TransportBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "station",
			Subsystem: "transport",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"}, // printer, erp
	)

	// TransportBreakerTrips tracks circuit breaker trip events.
	TransportBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "station",
			Subsystem: "transport",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)
)

// CircuitBreakerState constants, matching TransportBreakerState's gauge
// values.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
