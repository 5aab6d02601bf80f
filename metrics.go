package bastion

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the guarded call path
// and its reliability layers. It is safe for concurrent use, and all Record
// methods are nil-safe so callers never need to guard them.
type MetricsCollector struct {
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	callsInFlight *prometheus.GaugeVec

	retriesTotal        *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	rateLimiterTokens   *prometheus.GaugeVec

	rateLimitRejections *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		callsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_calls_total",
				Help: "Total number of guarded calls by terminal outcome",
			},
			[]string{"name", "outcome"},
		),
		callDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bastion_call_duration_seconds",
				Help:    "Duration of guarded calls in seconds, including waits and retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"name", "outcome"},
		),
		callsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_calls_in_flight",
				Help: "Number of guarded calls currently in flight",
			},
			[]string{"name"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"name", "attempt"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		rateLimiterTokens: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bastion_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
			[]string{"name"},
		),
		rateLimitRejections: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_rate_limit_rejections_total",
				Help: "Total number of calls rejected or timed out at the rate limiter",
			},
			[]string{"name"},
		),
		retryBudgetExceeded: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_retry_budget_exceeded_total",
				Help: "Total number of times the retry budget stopped a retry",
			},
			[]string{"name"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_errors_total",
				Help: "Total number of errors surfaced to callers by type",
			},
			[]string{"name", "type"},
		),
	}

	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}
	return mc
}

// RecordCall records a terminal outcome ("success" or "error") and duration.
func (mc *MetricsCollector) RecordCall(name, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.callsTotal.WithLabelValues(name, outcome).Inc()
	mc.callDuration.WithLabelValues(name, outcome).Observe(duration.Seconds())
}

// RecordCallStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordCallStart(name string) {
	if mc == nil {
		return
	}
	mc.callsInFlight.WithLabelValues(name).Inc()
}

// RecordCallEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordCallEnd(name string) {
	if mc == nil {
		return
	}
	mc.callsInFlight.WithLabelValues(name).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(name string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(name, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets the breaker state gauge.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRateLimiterTokens sets the available token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(name string, tokens float64) {
	if mc == nil {
		return
	}
	mc.rateLimiterTokens.WithLabelValues(name).Set(tokens)
}

// RecordRateLimitRejection increments the rate limit rejection counter.
func (mc *MetricsCollector) RecordRateLimitRejection(name string) {
	if mc == nil {
		return
	}
	mc.rateLimitRejections.WithLabelValues(name).Inc()
}

// RecordRetryBudgetExceeded increments the retry budget exceeded counter.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(name string) {
	if mc == nil {
		return
	}
	mc.retryBudgetExceeded.WithLabelValues(name).Inc()
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(name, errorType string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(name, errorType).Inc()
}

// GetRegistry exposes the underlying prometheus registry when the collector
// was built on one; nil otherwise.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	return mc.registry
}
