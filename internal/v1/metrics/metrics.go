package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the capabilities service.
//
// Naming convention: namespace_subsystem_name
// - namespace: matrix_capabilities
// - subsystem: homeserver, refresh, store, http, websocket, voip
//
// Metric Types:
// - Gauge: Current state (live subscribers, breaker state)
// - Counter: Cumulative events (requests, refreshes, failures)
// - Histogram: Latency distributions (refresh duration)

const namespace = "matrix_capabilities"

var (
	// HomeserverRequests counts outgoing requests to the homeserver and its delegates (CounterVec - cumulative)
	HomeserverRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "homeserver",
		Name:      "requests_total",
		Help:      "Total requests sent to the homeserver, by endpoint and outcome",
	}, []string{"endpoint", "status"})

	// CapabilitySourceResults counts the outcome of each capability source fetched during a refresh
	// (capabilities, media_config, versions, well_known, auth_metadata)
	CapabilitySourceResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "source_results_total",
		Help:      "Outcome of each capability source fetched during a refresh",
	}, []string{"source", "status"})

	// AccountManagementSource counts which source won the account management merge
	// (auth_metadata, well_known, none)
	AccountManagementSource = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "account_management_source_total",
		Help:      "Source selected for account management fields",
	}, []string{"source"})

	// RefreshTotal counts refresh task executions (refreshed, skipped, failed)
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "executions_total",
		Help:      "Capabilities refresh executions by result",
	}, []string{"result"})

	// RefreshDuration tracks how long a full refresh takes (Histogram - latency distribution)
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "duration_seconds",
		Help:      "Time spent refreshing homeserver capabilities",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// StoreOperations counts record store operations by backend
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Capabilities record store operations",
	}, []string{"backend", "operation", "status"})

	// CircuitBreakerState reports breaker state per dependency (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts requests rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuit_breaker",
		Name:      "rejections_total",
		Help:      "Requests rejected because the circuit breaker was open",
	}, []string{"name"})

	// RateLimitRequests counts requests that passed the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limit_requests_total",
		Help:      "Requests allowed by the rate limiter",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by the rate limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"endpoint", "limit_type"})

	// LogoutURLsBuilt counts logout URLs handed out, by selected action
	LogoutURLsBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "logout_urls_total",
		Help:      "Device logout URLs built, by action",
	}, []string{"action"})

	// LiveSubscribers tracks open live capability WebSocket streams (Gauge - current state)
	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "live_subscribers",
		Help:      "Current number of live capabilities subscribers",
	})

	// ICEConfigurations counts ICE configurations served, by transport policy
	ICEConfigurations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "voip",
		Name:      "ice_configurations_total",
		Help:      "ICE configurations served, by transport policy",
	}, []string{"policy"})
)

// BreakerStateValue maps a breaker state name to the gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}
