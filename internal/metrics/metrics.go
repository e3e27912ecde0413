// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaja_turns_total",
			Help: "User turns by terminal outcome",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gaja_turn_duration_seconds",
			Help:    "Time from user turn to terminal outcome",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
	)

	LoopCapExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gaja_function_loop_cap_exceeded_total",
			Help: "Turns that hit the function loop cap",
		},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaja_provider_requests_total",
			Help: "Provider calls by provider and result",
		},
		[]string{"provider", "result"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "gaja_provider_latency_seconds",
			Help: "Provider call latency in seconds",
		},
		[]string{"provider"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gaja_provider_circuit_state",
			Help: "Circuit state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	FunctionCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gaja_function_calls_total",
			Help: "Function calls by plugin and status",
		},
		[]string{"plugin", "status"},
	)

	FunctionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "gaja_function_latency_seconds",
			Help: "Plugin function execution latency in seconds",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gaja_active_sessions",
			Help: "Number of connected device sessions",
		},
	)

	ActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gaja_active_users",
			Help: "Number of users with at least one session",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gaja_rate_limited_total",
			Help: "Queries rejected by the per-user rate limiter",
		},
	)

	OrderingViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gaja_session_ordering_violations_total",
			Help: "Queries dropped because their sequence number was stale",
		},
	)
)

// PluginOf returns the plugin part of a namespaced function name.
func PluginOf(function string) string {
	if i := strings.IndexByte(function, '_'); i > 0 {
		return function[:i]
	}
	return "unknown"
}
