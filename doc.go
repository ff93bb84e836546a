// Package resilience provides the reliability core for clients of
// rate-limited spreadsheet services, as composable primitives:
//
//   - Retries with exponential backoff + jitter, honoring deadlines and
//     server-provided retry-after hints
//   - Per-resource circuit breakers (open / half-open / closed states) with
//     prioritized fallback strategies
//   - Request de-duplication (merges concurrent identical operations and
//     caches results for a short TTL)
//   - Two-tier hot/warm caching with access-count promotion
//   - Range-aware cache invalidation: writes evict exactly the cached reads
//     whose tracked regions intersect the written region
//   - Operation coalescing into batches, with bounded connection concurrency
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Every wait is cancellable; blocking calls take a context.Context
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via pluggable fallbacks, batch schedulers and loggers
//
// Typical usage:
//
//	client := resilience.New(
//	    resilience.WithRetryOptions(resilience.RetryOptions{MaxRetries: 3}),
//	    resilience.WithRateLimiter(10, time.Second),
//	    resilience.WithDeduplication(resilience.DeduplicatorConfig{}),
//	    resilience.WithRangeCache(resilience.RangeCacheConfig{}),
//	)
//	defer client.Close()
//
//	value, err := client.ExecuteCached(ctx, "sheet123:read:A1:B10", "Sheet1!A1:B10",
//	    func(ctx context.Context) (any, error) {
//	        return fetchRange(ctx, "sheet123", "Sheet1!A1:B10")
//	    })
//
// Only transient failures trigger retries by default; override with
// RetryOptions.Retryable. The library avoids opinionated logging: provide a
// Logger (e.g. NewZapLogger) + enable debug flags selectively (WithDebug /
// WithDebugConfig) for insight without noise.
package resilience
