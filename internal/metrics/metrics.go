// Package metrics defines the Prometheus collectors for the scheduler's
// request, queue, lease, and retry counters, grounded on the pack's
// prometheus/client_golang usage pattern: package-level collectors plus
// an All() slice for registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests by route, method, and status code.",
	},
	[]string{"route", "method", "status"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "scheduler",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request handling duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "method"},
)

var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "scheduler",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of due-or-pending triggers currently held in the in-memory priority queue.",
	},
)

var QueueRefillsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "queue",
		Name:      "refills_total",
		Help:      "Total number of times the priority queue was refilled from the trigger store.",
	},
)

var LeaseAcquiredTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "lease",
		Name:      "acquired_total",
		Help:      "Total number of lease acquisitions by resource type and outcome.",
	},
	[]string{"resource_type", "outcome"},
)

var RetriesScheduledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "retry",
		Name:      "scheduled_total",
		Help:      "Total number of retry attempts scheduled after a run failure.",
	},
)

var RetriesExhaustedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "retry",
		Name:      "exhausted_total",
		Help:      "Total number of runs that exhausted their retry budget and were dead-lettered.",
	},
)

var CircuitBreakerSuccessTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "circuit_breaker",
		Name:      "success_total",
		Help:      "Total number of calls the circuit breaker let through that succeeded, by breaker name.",
	},
	[]string{"name"},
)

var CircuitBreakerFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "circuit_breaker",
		Name:      "failure_total",
		Help:      "Total number of calls the circuit breaker let through that failed, by breaker name and error type.",
	},
	[]string{"name", "error_type"},
)

var CircuitBreakerRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "circuit_breaker",
		Name:      "rejected_total",
		Help:      "Total number of calls rejected outright because the breaker was open.",
	},
	[]string{"name"},
)

var CircuitBreakerStateTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "scheduler",
		Subsystem: "circuit_breaker",
		Name:      "state_transitions_total",
		Help:      "Total number of circuit breaker state transitions, by breaker name, origin, and destination state.",
	},
	[]string{"name", "from", "to"},
)

// All returns every scheduler-defined collector for registration against a
// *prometheus.Registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QueueDepth,
		QueueRefillsTotal,
		LeaseAcquiredTotal,
		RetriesScheduledTotal,
		RetriesExhaustedTotal,
		CircuitBreakerSuccessTotal,
		CircuitBreakerFailureTotal,
		CircuitBreakerRejectedTotal,
		CircuitBreakerStateTransitionsTotal,
	}
}

// NewRegistry creates a fresh Prometheus registry carrying the Go/process
// collectors plus every scheduler collector, so /metrics reflects exactly
// this process rather than the global default registry.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
