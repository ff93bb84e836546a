package resilience

import (
	"context"
	"strings"
	"time"
)

// Client layers retries, circuit breaking, request deduplication, caching,
// coalescing and connection pooling around operations against a rate-limited
// remote service. It is safe for concurrent use.
type Client struct {
	retry     *RetryExecutor
	retryOpts RetryOptions
	breakers  *BreakerRegistry
	dedup     *RequestDeduplicator
	hot       *HotCache
	ranges    *RangeCache
	coalescer *Coalescer
	pool      *ConnectionPool
	limiter   *RateLimiter
	metrics   *MetricsCollector
	logger    Logger
	debug     *DebugConfig

	resourceKeyFunc func(key string) string

	validationError error
}

// DefaultResourceKey derives the resource name from an operation key: the
// segment before the first ':', or the whole key when there is none. Keys are
// expected to look like "<resourceID>:<operation>:<args>".
func DefaultResourceKey(key string) string {
	if resource, _, ok := strings.Cut(key, ":"); ok && resource != "" {
		return resource
	}
	return key
}

// New constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		retryOpts:       RetryOptions{},
		breakers:        NewBreakerRegistry(CircuitBreakerConfig{}),
		logger:          nopLogger{},
		debug:           DefaultDebugConfig(),
		resourceKeyFunc: DefaultResourceKey,
	}

	for _, option := range options {
		option(client)
	}

	client.retry = NewRetryExecutor(client.retryOpts)

	// Each component's debug lines are gated on its DebugConfig category.
	debug := client.debug
	if debug == nil {
		debug = &DebugConfig{}
	}
	gate := func(category bool) Logger {
		return debugGate{Logger: client.logger, on: debug.Enabled && category}
	}

	client.retry.SetObservers(client.metrics, gate(debug.LogRetries))
	client.breakers.SetObservers(client.metrics, gate(debug.LogCircuit))
	if client.dedup != nil {
		client.dedup.SetObservers(client.metrics, gate(debug.LogDedup))
	}
	if client.hot != nil {
		client.hot.SetObservers(client.metrics, gate(debug.LogCache))
	}
	if client.ranges != nil {
		client.ranges.SetObservers(client.metrics, gate(debug.LogCache))
	}
	if client.coalescer != nil {
		client.coalescer.SetObservers(client.metrics, gate(debug.LogCoalesce))
	}
	if client.pool != nil {
		client.pool.SetObservers(client.metrics)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Execute runs op with the full reliability stack: a rate limiter gate, then
// deduplication by key, with the circuit breaker and retry loop inside. Keys
// must uniquely identify the operation and its arguments; identical
// concurrent keys share one execution.
func (c *Client) Execute(ctx context.Context, key string, op Operation) (any, error) {
	start := time.Now()
	resource := c.resourceKeyFunc(key)

	c.metrics.RecordCallStart(resource)
	defer c.metrics.RecordCallEnd(resource)

	var requestID string
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		requestID = c.debug.RequestIDGen()
		c.logger.Debug("starting operation", "requestID", requestID, "key", key, "resource", resource)
	}

	if c.limiter != nil {
		allowed := c.limiter.Allow()
		c.metrics.RecordRateLimiterTokens("client", c.limiter.Tokens())
		if !allowed {
			c.metrics.RecordError("rate_limited", resource)
			return nil, ErrRateLimited
		}
	}

	guarded := c.guard(resource, op)

	var value any
	var err error
	if c.dedup != nil {
		value, err = c.dedup.Deduplicate(ctx, key, guarded)
	} else {
		value, err = guarded(ctx)
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
		c.metrics.RecordError(errorType(err), resource)
	}
	c.metrics.RecordCall(resource, outcome, time.Since(start))

	if requestID != "" {
		c.logger.Debug("operation finished", "requestID", requestID, "key", key, "outcome", outcome, "duration", time.Since(start))
	}
	return value, err
}

// guard wraps op with the per-resource circuit breaker around the retry
// executor. The breaker sees the final outcome of the whole retry sequence,
// not each attempt.
func (c *Client) guard(resource string, op Operation) Operation {
	breaker := c.breakers.GetOrCreate(resource)
	return func(ctx context.Context) (any, error) {
		return breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return c.retry.Execute(ctx, resource, op)
		})
	}
}

// ExecuteCached consults the range cache before dispatching. On a miss the
// result is stored and its dependency on regionRef recorded so later writes
// to intersecting regions evict it. Requires WithRangeCache.
func (c *Client) ExecuteCached(ctx context.Context, key, regionRef string, op Operation) (any, error) {
	if c.ranges == nil {
		return c.Execute(ctx, key, op)
	}
	if value, ok := c.ranges.Get(key); ok {
		return value, nil
	}

	value, err := c.Execute(ctx, key, op)
	if err != nil {
		return nil, err
	}

	c.ranges.Set(key, value, 0)
	resource := c.resourceKeyFunc(key)
	if terr := c.ranges.TrackDependency(resource, regionRef, key); terr != nil {
		c.logger.Warn("dependency tracking failed", "key", key, "region", regionRef, "error", terr)
	}
	return value, nil
}

// ExecuteHot consults the two-tier hot cache before dispatching. Repeatedly
// read keys migrate to the hot tier automatically. Requires WithHotCache.
func (c *Client) ExecuteHot(ctx context.Context, key string, op Operation) (any, error) {
	if c.hot == nil {
		return c.Execute(ctx, key, op)
	}
	if value, ok := c.hot.Get(key); ok {
		return value, nil
	}

	value, err := c.Execute(ctx, key, op)
	if err != nil {
		return nil, err
	}
	c.hot.Set(key, value, 0)
	return value, nil
}

// QueueBatch submits op for coalescing with other operations on the same
// resource. Without WithCoalescer the operation runs immediately through the
// guard stack.
func (c *Client) QueueBatch(ctx context.Context, op BatchOperation) (any, error) {
	if c.coalescer == nil {
		return c.guard(op.ResourceID, op.Op)(ctx)
	}
	return c.coalescer.Queue(ctx, op)
}

// InvalidateRegion evicts cached results for the written region across the
// range cache, and drops any dedup results and hot entries keyed under the
// resource. Returns the number of range-cache keys evicted.
func (c *Client) InvalidateRegion(resourceID, regionRef string) (int, error) {
	evicted := 0
	if c.ranges != nil {
		n, err := c.ranges.InvalidateRegion(resourceID, regionRef)
		if err != nil {
			return 0, err
		}
		evicted = n
	}
	if c.dedup != nil {
		c.dedup.InvalidateCache(resourceID + ":*")
	}
	if c.hot != nil {
		c.hot.InvalidatePrefix(resourceID + ":")
	}
	return evicted, nil
}

// Breaker returns the circuit breaker for a resource, creating it on first
// use, so callers can register fallback strategies.
func (c *Client) Breaker(resource string) *CircuitBreaker {
	return c.breakers.GetOrCreate(resource)
}

// Close stops background goroutines and flushes pending batches.
func (c *Client) Close() {
	if c.coalescer != nil {
		c.coalescer.Close()
	}
	if c.dedup != nil {
		c.dedup.Stop()
	}
	if c.hot != nil {
		c.hot.Stop()
	}
	if c.ranges != nil {
		c.ranges.Stop()
	}
}

// IsValid reports whether the configuration passed validation.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// ClientStats aggregates snapshots from every configured component. Absent
// components leave their section zero-valued.
type ClientStats struct {
	Breakers   map[string]CircuitStats
	Dedup      DeduplicatorStats
	HotCache   HotCacheStats
	RangeCache RangeCacheStats
	Coalescer  CoalescerStats
	Pool       PoolStats
}

// Stats returns a point-in-time snapshot of all components.
func (c *Client) Stats() ClientStats {
	s := ClientStats{Breakers: c.breakers.Stats()}
	if c.dedup != nil {
		s.Dedup = c.dedup.Stats()
	}
	if c.hot != nil {
		s.HotCache = c.hot.Stats()
	}
	if c.ranges != nil {
		s.RangeCache = c.ranges.Stats()
	}
	if c.coalescer != nil {
		s.Coalescer = c.coalescer.Stats()
	}
	if c.pool != nil {
		s.Pool = c.pool.Stats()
	}
	return s
}

// errorType buckets errors for the errors_total metric.
func errorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsCircuitOpen(err):
		return "circuit_open"
	case IsRateLimited(err):
		return "rate_limited"
	case IsServiceError(err):
		return "service"
	default:
		return "other"
	}
}
