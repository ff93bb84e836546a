package resilience

import (
	"fmt"
	"time"
)

// WithRetryOptions overrides the retry policy shared by every operation.
func WithRetryOptions(opts RetryOptions) Option {
	return func(c *Client) {
		c.retryOpts = opts
	}
}

// WithRetryBudget caps retries across all operations to maxRetries per
// rolling window, protecting the remote service during sustained outages.
func WithRetryBudget(maxRetries int, window time.Duration) Option {
	return func(c *Client) {
		c.retryOpts.Budget = NewRetryBudget(maxRetries, window)
	}
}

// WithCircuitBreakerDefaults sets the configuration applied to breakers
// created on first use of a resource.
func WithCircuitBreakerDefaults(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakers = NewBreakerRegistry(config)
	}
}

// WithDeduplication enables request coalescing and short-TTL result caching
// keyed by operation key.
func WithDeduplication(config DeduplicatorConfig) Option {
	return func(c *Client) {
		c.dedup = NewRequestDeduplicator(config)
	}
}

// WithHotCache enables the two-tier hot/warm cache used by ExecuteHot.
func WithHotCache(config HotCacheConfig) Option {
	return func(c *Client) {
		c.hot = NewHotCache(config)
	}
}

// WithRangeCache enables the region-aware cache used by ExecuteCached and
// InvalidateRegion.
func WithRangeCache(config RangeCacheConfig) Option {
	return func(c *Client) {
		c.ranges = NewRangeCache(config)
	}
}

// WithCoalescer enables batching of QueueBatch operations. When the config
// carries no Pool and the client has one, batches run through it.
func WithCoalescer(config CoalescerConfig) Option {
	return func(c *Client) {
		if config.Pool == nil {
			config.Pool = c.pool
		}
		c.coalescer = NewCoalescer(config)
	}
}

// WithConnectionPool bounds concurrent operations against the remote
// service. Apply before WithCoalescer so batches inherit the pool.
func WithConnectionPool(config ConnectionPoolConfig) Option {
	return func(c *Client) {
		c.pool = NewConnectionPool(config)
	}
}

// WithRateLimiter gates every Execute behind a token bucket.
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.limiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithMetrics enables Prometheus metrics on the default registry.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector installs a pre-built collector, typically one bound
// to a custom registry.
func WithMetricsCollector(metrics *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithLogger sets the logger used by every component.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDebug enables debug logging for all components.
func WithDebug() Option {
	return func(c *Client) {
		cfg := DefaultDebugConfig()
		cfg.Enabled = true
		c.debug = cfg
		if _, ok := c.logger.(nopLogger); ok {
			c.logger = NewSimpleLogger()
		}
	}
}

// WithDebugConfig installs a custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithResourceKeyFunc overrides how resource names are derived from
// operation keys for breaker selection and metrics labels.
func WithResourceKeyFunc(fn func(key string) string) Option {
	return func(c *Client) {
		if fn != nil {
			c.resourceKeyFunc = fn
		}
	}
}

// ConfigError aggregates everything wrong with a client configuration so a
// single validation pass reports all issues at once.
type ConfigError struct {
	Issues []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("resilience: configuration validation failed: %v", e.Issues)
}

// ValidateConfiguration checks the assembled configuration and returns a
// ConfigError listing every problem found, or nil.
func (c *Client) ValidateConfiguration() error {
	var issues []string

	issues = append(issues, c.validateRetryConfig()...)
	issues = append(issues, c.validateCacheConfig()...)
	issues = append(issues, c.validateCoalescerConfig()...)

	if len(issues) > 0 {
		return &ConfigError{Issues: issues}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var issues []string
	o := c.retryOpts

	if o.BaseDelay < 0 {
		issues = append(issues, "retry: baseDelay must be non-negative")
	}
	if o.MaxDelay > 0 && o.BaseDelay > o.MaxDelay {
		issues = append(issues, "retry: maxDelay must be greater than or equal to baseDelay")
	}
	if o.Multiplier < 0 {
		issues = append(issues, "retry: multiplier must be non-negative")
	}
	if o.JitterRatio < 0 || o.JitterRatio > 1 {
		issues = append(issues, "retry: jitterRatio must be between 0 and 1")
	}
	return issues
}

func (c *Client) validateCacheConfig() []string {
	var issues []string

	if c.hot != nil && c.hot.config.HotCapacity > c.hot.config.WarmCapacity {
		issues = append(issues, "hotCache: hot capacity exceeds warm capacity, demotions will thrash")
	}
	if c.ranges != nil && c.ranges.config.MaxBytes < 1024 {
		issues = append(issues, "rangeCache: maxBytes too small to hold a single response")
	}
	return issues
}

func (c *Client) validateCoalescerConfig() []string {
	var issues []string

	if c.coalescer != nil && c.coalescer.config.MaxCoalesceSize > c.coalescer.config.MaxPending {
		issues = append(issues, "coalescer: maxCoalesceSize exceeds maxPending, batches can never fill")
	}
	return issues
}
