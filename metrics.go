package resilience

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exposes Prometheus metrics for the call lifecycle and
// every reliability layer. All record methods are nil-safe so call sites
// never have to guard on whether metrics are enabled.
type MetricsCollector struct {
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	callsInFlight *prometheus.GaugeVec

	retriesTotal        *prometheus.CounterVec
	retryBudgetExceeded *prometheus.CounterVec

	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec
	fallbacksTotal     *prometheus.CounterVec

	dedupHits      *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec

	coalescedBatchSize *prometheus.HistogramVec
	coalescerRejected  *prometheus.CounterVec

	poolActive *prometheus.GaugeVec

	rateLimiterTokens *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer, which keeps tests and multi-client processes isolated.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		callsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_calls_total",
				Help: "Total number of calls executed through the core",
			},
			[]string{"resource", "outcome"},
		),
		callDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resilience_call_duration_seconds",
				Help:    "Duration of calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"resource"},
		),
		callsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resilience_calls_in_flight",
				Help: "Number of calls currently in flight",
			},
			[]string{"resource"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"resource", "attempt"},
		),
		retryBudgetExceeded: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_retry_budget_exceeded_total",
				Help: "Total number of times the retry budget was exhausted",
			},
			[]string{"resource"},
		),
		circuitState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resilience_circuit_state",
				Help: "Current circuit state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		circuitTransitions: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_circuit_transitions_total",
				Help: "Total number of circuit state transitions",
			},
			[]string{"name", "from", "to"},
		),
		fallbacksTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_fallbacks_total",
				Help: "Total number of fallback strategy executions",
			},
			[]string{"name", "strategy", "outcome"},
		),
		dedupHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_dedup_hits_total",
				Help: "Calls served without a new execution (attached to in-flight or result cache)",
			},
			[]string{"kind"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),
		cacheEvictions: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_cache_evictions_total",
				Help: "Total number of cache evictions",
			},
			[]string{"cache", "reason"},
		),
		cacheSize: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resilience_cache_entries",
				Help: "Current number of entries in cache",
			},
			[]string{"cache"},
		),
		coalescedBatchSize: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resilience_coalesced_batch_size",
				Help:    "Number of logical calls flushed per physical batch",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"resource"},
		),
		coalescerRejected: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_coalescer_rejected_total",
				Help: "Calls rejected because the per-resource pending queue was full",
			},
			[]string{"resource"},
		),
		poolActive: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resilience_pool_active",
				Help: "Operations currently running in the connection pool",
			},
			[]string{"pool"},
		),
		rateLimiterTokens: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "resilience_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
			[]string{"name"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "resilience_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type", "resource"},
		),
		registerer: registry,
	}
}

// RecordCall records a completed call with its outcome and duration.
func (mc *MetricsCollector) RecordCall(resource, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.callsTotal.WithLabelValues(resource, outcome).Inc()
	mc.callDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

// RecordCallStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordCallStart(resource string) {
	if mc == nil {
		return
	}
	mc.callsInFlight.WithLabelValues(resource).Inc()
}

// RecordCallEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordCallEnd(resource string) {
	if mc == nil {
		return
	}
	mc.callsInFlight.WithLabelValues(resource).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(resource string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(resource, strconv.Itoa(attempt)).Inc()
}

// RecordRetryBudgetExceeded increments the budget-exhausted counter.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(resource string) {
	if mc == nil {
		return
	}
	mc.retryBudgetExceeded.WithLabelValues(resource).Inc()
}

// RecordCircuitState sets the state gauge for a named circuit.
func (mc *MetricsCollector) RecordCircuitState(name string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitState.WithLabelValues(name).Set(float64(state))
}

// RecordCircuitTransition counts a state transition.
func (mc *MetricsCollector) RecordCircuitTransition(name string, from, to CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// RecordFallback counts a fallback strategy execution.
func (mc *MetricsCollector) RecordFallback(name, strategy, outcome string) {
	if mc == nil {
		return
	}
	mc.fallbacksTotal.WithLabelValues(name, strategy, outcome).Inc()
}

// RecordDedupHit counts a call served without a fresh execution. kind is
// "pending" (attached to an in-flight call) or "result" (completed cache).
func (mc *MetricsCollector) RecordDedupHit(kind string) {
	if mc == nil {
		return
	}
	mc.dedupHits.WithLabelValues(kind).Inc()
}

// RecordCacheHit increments the hit counter for the named cache.
func (mc *MetricsCollector) RecordCacheHit(cache string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss increments the miss counter for the named cache.
func (mc *MetricsCollector) RecordCacheMiss(cache string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordCacheEviction counts an eviction ("capacity", "ttl", "region", "invalidate").
func (mc *MetricsCollector) RecordCacheEviction(cache, reason string) {
	if mc == nil {
		return
	}
	mc.cacheEvictions.WithLabelValues(cache, reason).Inc()
}

// RecordCacheSize sets the entry-count gauge for the named cache.
func (mc *MetricsCollector) RecordCacheSize(cache string, size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.WithLabelValues(cache).Set(float64(size))
}

// RecordBatchFlush observes the size of a flushed batch.
func (mc *MetricsCollector) RecordBatchFlush(resource string, size int) {
	if mc == nil {
		return
	}
	mc.coalescedBatchSize.WithLabelValues(resource).Observe(float64(size))
}

// RecordCoalescerRejected counts a capacity rejection.
func (mc *MetricsCollector) RecordCoalescerRejected(resource string) {
	if mc == nil {
		return
	}
	mc.coalescerRejected.WithLabelValues(resource).Inc()
}

// RecordPoolActive sets the active-operations gauge.
func (mc *MetricsCollector) RecordPoolActive(pool string, active int) {
	if mc == nil {
		return
	}
	mc.poolActive.WithLabelValues(pool).Set(float64(active))
}

// RecordRateLimiterTokens sets the available-token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(name string, tokens int) {
	if mc == nil {
		return
	}
	mc.rateLimiterTokens.WithLabelValues(name).Set(float64(tokens))
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, resource string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, resource).Inc()
}
