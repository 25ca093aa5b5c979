// Package metrics provides Prometheus instrumentation for the breaker
// engine. All metric collectors are registered via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BreakerState tracks the current state per breaker
	// (0 = closed, 1 = open, 2 = half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	// BreakerTransitions counts state transitions by breaker, from, and to.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// BreakerCalls counts executed calls by breaker and outcome
	// (success, failure, timeout, rejected).
	BreakerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_calls_total",
			Help: "Total calls seen by each circuit breaker, by outcome",
		},
		[]string{"breaker", "outcome"},
	)

	// BreakerOpens counts how many times each breaker has opened.
	BreakerOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_opens_total",
			Help: "Total times each circuit breaker has opened",
		},
		[]string{"breaker"},
	)

	// CallDuration observes wrapped-call latency in seconds per breaker.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "breaker_call_duration_seconds",
			Help:    "Wrapped call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"breaker"},
	)

	// AuthFailures counts admin API authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_admin_auth_failures_total",
			Help: "Total admin API authentication failures",
		},
		[]string{"reason"},
	)

	// AdminThrottled counts admin API requests rejected by the rate limiter.
	AdminThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "breaker_admin_throttled_total",
			Help: "Total admin API requests rejected by the rate limiter",
		},
	)
)

// Call outcome label values for BreakerCalls.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		BreakerState,
		BreakerTransitions,
		BreakerCalls,
		BreakerOpens,
		CallDuration,
		AuthFailures,
		AdminThrottled,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
