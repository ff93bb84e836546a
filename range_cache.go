package resilience

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khill1269/servalsheets-sub021/internal/region"
)

// RangeCacheConfig configures a RangeCache. Zero values fall back to the
// documented defaults.
type RangeCacheConfig struct {
	// MaxBytes is the byte budget across all entries. Default: 64 MiB.
	MaxBytes int64
	// DefaultTTL applies when Set is called without a TTL. Default: 5m.
	DefaultTTL time.Duration
	// SweepInterval is how often expired entries are purged. Default: 1m.
	SweepInterval time.Duration
}

func (c RangeCacheConfig) withDefaults() RangeCacheConfig {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 64 << 20
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

type rangeEntry struct {
	value     any
	storedAt  time.Time
	expiresAt time.Time
	size      int64
}

// rangeDependency links a cache key to the data region its validity depends
// on. Multiple keys may depend on overlapping regions.
type rangeDependency struct {
	region   region.Region
	cacheKey string
}

// RangeCache is a TTL key/value store with a secondary index from data
// regions to cache keys, enabling surgical invalidation: a write to one
// region evicts exactly the entries whose regions intersect it, never the
// whole namespace.
type RangeCache struct {
	config RangeCacheConfig

	mu         sync.Mutex
	entries    map[string]*rangeEntry
	deps       map[string][]rangeDependency
	totalBytes int64

	hits        int64
	misses      int64
	evictions   int64
	regionDrops int64

	metrics *MetricsCollector
	logger  Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRangeCache creates a cache and starts its TTL sweep. Call Stop when done.
func NewRangeCache(config RangeCacheConfig) *RangeCache {
	c := &RangeCache{
		config:  config.withDefaults(),
		entries: make(map[string]*rangeEntry),
		deps:    make(map[string][]rangeDependency),
		logger:  nopLogger{},
		stopCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// SetObservers attaches a metrics collector and logger. Both may be nil.
func (c *RangeCache) SetObservers(metrics *MetricsCollector, logger Logger) {
	c.metrics = metrics
	if logger != nil {
		c.logger = logger
	}
}

// Get returns the value for key. Entries past their TTL are absent even if
// the sweep has not physically removed them yet.
func (c *RangeCache) Get(key string) (any, bool) {
	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		if ok {
			c.removeEntryLocked(key, e)
		}
		c.mu.Unlock()
		atomic.AddInt64(&c.misses, 1)
		c.metrics.RecordCacheMiss("range")
		return nil, false
	}
	value := e.value
	c.mu.Unlock()
	atomic.AddInt64(&c.hits, 1)
	c.metrics.RecordCacheHit("range")
	return value, true
}

// Has reports whether key holds an unexpired entry.
func (c *RangeCache) Has(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && now.Before(e.expiresAt)
}

// Set stores value under key. When the byte budget would be exceeded, the
// entries closest to expiry are evicted first. ttl <= 0 uses the default.
func (c *RangeCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := time.Now()
	size := int64(estimateSize(value))

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.totalBytes -= old.size
	}
	c.evictForBudgetLocked(size, now)
	c.entries[key] = &rangeEntry{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
		size:      size,
	}
	c.totalBytes += size
	c.metrics.RecordCacheSize("range", len(c.entries))
	c.mu.Unlock()
}

// evictForBudgetLocked frees room for an incoming entry of the given size,
// evicting oldest-expiring entries first. Callers hold mu.
func (c *RangeCache) evictForBudgetLocked(incoming int64, now time.Time) {
	if c.totalBytes+incoming <= c.config.MaxBytes {
		return
	}

	type candidate struct {
		key       string
		expiresAt time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for key, e := range c.entries {
		candidates = append(candidates, candidate{key: key, expiresAt: e.expiresAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})

	for _, cand := range candidates {
		if c.totalBytes+incoming <= c.config.MaxBytes {
			return
		}
		if e, ok := c.entries[cand.key]; ok {
			c.removeEntryLocked(cand.key, e)
			atomic.AddInt64(&c.evictions, 1)
			c.metrics.RecordCacheEviction("range", "capacity")
		}
	}
}

// Delete removes key, reporting whether it was present.
func (c *RangeCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeEntryLocked(key, e)
	return true
}

func (c *RangeCache) removeEntryLocked(key string, e *rangeEntry) {
	delete(c.entries, key)
	c.totalBytes -= e.size
}

// TrackDependency records that cacheKey's validity depends on regionRef
// within resourceID. The same (region, key) pair is only recorded once.
func (c *RangeCache) TrackDependency(resourceID, regionRef, cacheKey string) error {
	r, err := region.Parse(regionRef)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dep := range c.deps[resourceID] {
		if dep.cacheKey == cacheKey && dep.region == r {
			return nil
		}
	}
	c.deps[resourceID] = append(c.deps[resourceID], rangeDependency{region: r, cacheKey: cacheKey})
	return nil
}

// InvalidateRegion evicts every cache key whose tracked region intersects
// the written region, and no others. Invalidating the same region twice is a
// no-op the second time. Returns the number of cache keys evicted.
func (c *RangeCache) InvalidateRegion(resourceID, writtenRef string) (int, error) {
	written, err := region.Parse(writtenRef)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deps := c.deps[resourceID]
	kept := deps[:0]
	evicted := 0
	for _, dep := range deps {
		if !dep.region.Intersects(written) {
			kept = append(kept, dep)
			continue
		}
		if e, ok := c.entries[dep.cacheKey]; ok {
			c.removeEntryLocked(dep.cacheKey, e)
			evicted++
			c.metrics.RecordCacheEviction("range", "region")
		}
		atomic.AddInt64(&c.regionDrops, 1)
	}
	if len(kept) == 0 {
		delete(c.deps, resourceID)
	} else {
		c.deps[resourceID] = kept
	}

	if evicted > 0 {
		c.logger.Debug("region invalidation", "resource", resourceID, "region", written.String(), "evicted", evicted)
	}
	return evicted, nil
}

// DependencyCount returns the number of tracked dependencies for a resource.
func (c *RangeCache) DependencyCount(resourceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deps[resourceID])
}

func (c *RangeCache) sweepLoop() {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.stopCh:
			return
		}
	}
}

// sweep purges expired entries and prunes dependencies whose cache keys are
// gone, so the index does not grow without bound.
func (c *RangeCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeEntryLocked(key, e)
			c.metrics.RecordCacheEviction("range", "ttl")
		}
	}
	for resourceID, deps := range c.deps {
		kept := deps[:0]
		for _, dep := range deps {
			if _, ok := c.entries[dep.cacheKey]; ok {
				kept = append(kept, dep)
			}
		}
		if len(kept) == 0 {
			delete(c.deps, resourceID)
		} else {
			c.deps[resourceID] = kept
		}
	}
	c.metrics.RecordCacheSize("range", len(c.entries))
}

// Stop halts the background sweep.
func (c *RangeCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// RangeCacheStats is a point-in-time snapshot.
type RangeCacheStats struct {
	Entries             int
	TotalBytes          int64
	TrackedDependencies int
	Hits                int64
	Misses              int64
	Evictions           int64
	RegionInvalidations int64
	HitRate             float64
}

// Stats returns current counters.
func (c *RangeCache) Stats() RangeCacheStats {
	c.mu.Lock()
	depCount := 0
	for _, deps := range c.deps {
		depCount += len(deps)
	}
	s := RangeCacheStats{
		Entries:             len(c.entries),
		TotalBytes:          c.totalBytes,
		TrackedDependencies: depCount,
	}
	c.mu.Unlock()

	s.Hits = atomic.LoadInt64(&c.hits)
	s.Misses = atomic.LoadInt64(&c.misses)
	s.Evictions = atomic.LoadInt64(&c.evictions)
	s.RegionInvalidations = atomic.LoadInt64(&c.regionDrops)
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
