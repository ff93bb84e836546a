package resilience

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	defer c.Close()

	if !c.IsValid() {
		t.Fatalf("Expected default configuration valid, got %v", c.ValidationError())
	}
	if c.retry == nil {
		t.Error("Expected a retry executor")
	}
	if c.breakers == nil {
		t.Error("Expected a breaker registry")
	}
	if c.dedup != nil || c.hot != nil || c.ranges != nil || c.coalescer != nil || c.pool != nil || c.limiter != nil {
		t.Error("Expected optional components disabled by default")
	}
}

func TestOptionsEnableComponents(t *testing.T) {
	c := New(
		WithDeduplication(DeduplicatorConfig{}),
		WithHotCache(HotCacheConfig{}),
		WithRangeCache(RangeCacheConfig{}),
		WithConnectionPool(ConnectionPoolConfig{MaxConcurrent: 2}),
		WithCoalescer(CoalescerConfig{}),
		WithRateLimiter(10, time.Second),
	)
	defer c.Close()

	if c.dedup == nil || c.hot == nil || c.ranges == nil || c.coalescer == nil || c.pool == nil || c.limiter == nil {
		t.Error("Expected every component enabled")
	}
	if c.coalescer.config.Pool != c.pool {
		t.Error("Expected coalescer to inherit the connection pool")
	}
}

func TestWithRetryOptions(t *testing.T) {
	c := New(WithRetryOptions(RetryOptions{MaxRetries: 7, BaseDelay: time.Millisecond}))
	defer c.Close()

	if c.retry.opts.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", c.retry.opts.MaxRetries)
	}
}

func TestWithCircuitBreakerDefaults(t *testing.T) {
	c := New(WithCircuitBreakerDefaults(CircuitBreakerConfig{FailureThreshold: 9}))
	defer c.Close()

	cb := c.Breaker("sheet1")
	if cb.config.FailureThreshold != 9 {
		t.Errorf("FailureThreshold = %d, want 9", cb.config.FailureThreshold)
	}
}

func TestWithResourceKeyFunc(t *testing.T) {
	c := New(WithResourceKeyFunc(func(key string) string { return "fixed" }))
	defer c.Close()

	if got := c.resourceKeyFunc("sheet1:read:A1"); got != "fixed" {
		t.Errorf("resourceKeyFunc = %q, want fixed", got)
	}
}

func TestDefaultResourceKey(t *testing.T) {
	cases := map[string]string{
		"sheet1:read:A1": "sheet1",
		"sheet1":         "sheet1",
		":odd":           ":odd",
		"":               "",
	}
	for key, want := range cases {
		if got := DefaultResourceKey(key); got != want {
			t.Errorf("DefaultResourceKey(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestValidateConfigurationCatchesBadRetry(t *testing.T) {
	c := New(WithRetryOptions(RetryOptions{BaseDelay: time.Second, MaxDelay: time.Millisecond}))
	defer c.Close()

	if c.IsValid() {
		t.Fatal("Expected invalid configuration")
	}
	if !strings.Contains(c.ValidationError().Error(), "maxDelay") {
		t.Errorf("Expected maxDelay issue, got %v", c.ValidationError())
	}
}

func TestValidateConfigurationCatchesJitterRange(t *testing.T) {
	c := New(WithRetryOptions(RetryOptions{JitterRatio: 2.0}))
	defer c.Close()

	if c.IsValid() {
		t.Fatal("Expected invalid configuration")
	}
}

func TestValidateConfigurationCatchesCacheMismatch(t *testing.T) {
	c := New(WithHotCache(HotCacheConfig{HotCapacity: 100, WarmCapacity: 10}))
	defer c.Close()

	if c.IsValid() {
		t.Fatal("Expected invalid configuration")
	}
	if !strings.Contains(c.ValidationError().Error(), "hotCache") {
		t.Errorf("Expected hotCache issue, got %v", c.ValidationError())
	}
}

func TestValidateConfigurationAggregatesIssues(t *testing.T) {
	c := New(
		WithRetryOptions(RetryOptions{JitterRatio: 2.0, BaseDelay: -1}),
		WithHotCache(HotCacheConfig{HotCapacity: 100, WarmCapacity: 10}),
	)
	defer c.Close()

	var cfgErr *ConfigError
	if !errors.As(c.ValidationError(), &cfgErr) {
		t.Fatalf("Expected *ConfigError, got %T", c.ValidationError())
	}
	if len(cfgErr.Issues) < 3 {
		t.Errorf("Expected all issues reported at once, got %v", cfgErr.Issues)
	}
}
