// Package metrics provides Prometheus instrumentation for the resilience
// core. All metric collectors are registered via the Init function and
// exposed through the Handler for scraping. Counters are updated inline by
// the policy implementations; gauges for permits and in-flight calls are
// refreshed periodically by the registry, never on the call path.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Retry outcome label values. They distinguish calls that needed no retry
// from calls rescued (or lost) by the retry loop.
const (
	RetrySuccessWithoutRetry = "success_without_retry"
	RetrySuccessWithRetry    = "success_with_retry"
	RetryFailedWithRetry     = "failed_with_retry"
)

var (
	// CircuitState tracks the current breaker state per policy name
	// (0=closed, 1=open, 2=half-open).
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_circuit_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// CircuitTransitions counts breaker state transitions by name and edge.
	CircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_circuit_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// CircuitRejections counts calls rejected because a breaker was open.
	CircuitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_circuit_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"name"},
	)

	// RateLimitRejections counts permit acquisitions that timed out.
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_ratelimit_rejections_total",
			Help: "Total rate limiter permit acquisitions that timed out",
		},
		[]string{"name"},
	)

	// RateLimitAvailable reports the permits left in the current period.
	RateLimitAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_ratelimit_available_permits",
			Help: "Permits remaining in the current rate limiter period",
		},
		[]string{"name"},
	)

	// BulkheadInFlight tracks concurrent calls occupying bulkhead slots.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "resilience_bulkhead_in_flight",
			Help: "Concurrent calls currently holding a bulkhead slot",
		},
		[]string{"name"},
	)

	// BulkheadRejections counts acquisitions that found no free slot in time.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_bulkhead_rejections_total",
			Help: "Total bulkhead acquisitions rejected at the concurrency cap",
		},
		[]string{"name"},
	)

	// CallDuration observes protected call latency by name and result.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resilience_call_duration_seconds",
			Help:    "Protected call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name", "result"},
	)

	// CallTimeouts counts calls abandoned by the time limiter.
	CallTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_call_timeouts_total",
			Help: "Total calls that exceeded the time limiter deadline",
		},
		[]string{"name"},
	)

	// RetryCalls counts completed call loops by final retry outcome kind.
	RetryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resilience_retry_calls_total",
			Help: "Total completed call loops by retry outcome",
		},
		[]string{"name", "kind"},
	)

	// ObserverDropped counts observability events dropped because the
	// dispatcher queue was full.
	ObserverDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "resilience_observer_dropped_events_total",
			Help: "Total observability events dropped due to a full queue",
		},
	)
)

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Safe to call more than once; registration happens on the first call.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			CircuitState,
			CircuitTransitions,
			CircuitRejections,
			RateLimitRejections,
			RateLimitAvailable,
			BulkheadInFlight,
			BulkheadRejections,
			CallDuration,
			CallTimeouts,
			RetryCalls,
			ObserverDropped,
		)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
