package resilience

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type cacheTier int

const (
	tierWarm cacheTier = iota
	tierHot
)

// HotCacheConfig configures a HotCache. Zero values fall back to the
// documented defaults.
type HotCacheConfig struct {
	// HotCapacity bounds the hot tier. Default: 128.
	HotCapacity int
	// WarmCapacity bounds the warm tier. Default: 1024.
	WarmCapacity int
	// PromotionThreshold is the warm-tier access count at which an entry
	// moves to the hot tier. Default: 3.
	PromotionThreshold int
	// DefaultTTL applies when Set is called without a TTL. Default: 5m.
	DefaultTTL time.Duration
	// SweepInterval is how often expired entries are purged. Default: 1m.
	SweepInterval time.Duration
}

func (c HotCacheConfig) withDefaults() HotCacheConfig {
	if c.HotCapacity <= 0 {
		c.HotCapacity = 128
	}
	if c.WarmCapacity <= 0 {
		c.WarmCapacity = 1024
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = 3
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

type hotEntry struct {
	key         string
	value       any
	expiresAt   time.Time
	accessCount int
	lastAccess  time.Time
	tier        cacheTier
	size        int
	elem        *list.Element
}

// HotCache is a two-tier promotion cache for values that are cheap to
// recompute and do not need range-precise invalidation. New entries land in
// the warm tier; frequently accessed ones are promoted hot. Each tier keeps
// LRU order so capacity eviction is O(1).
type HotCache struct {
	config HotCacheConfig

	mu      sync.Mutex
	hot     map[string]*hotEntry
	warm    map[string]*hotEntry
	hotLRU  *list.List
	warmLRU *list.List

	hits       int64
	misses     int64
	promotions int64
	demotions  int64
	evictions  int64

	metrics *MetricsCollector
	logger  Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHotCache creates a cache and starts its TTL sweep. Call Stop when done.
func NewHotCache(config HotCacheConfig) *HotCache {
	c := &HotCache{
		config:  config.withDefaults(),
		hot:     make(map[string]*hotEntry),
		warm:    make(map[string]*hotEntry),
		hotLRU:  list.New(),
		warmLRU: list.New(),
		logger:  nopLogger{},
		stopCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// SetObservers attaches a metrics collector and logger. Both may be nil.
func (c *HotCache) SetObservers(metrics *MetricsCollector, logger Logger) {
	c.metrics = metrics
	if logger != nil {
		c.logger = logger
	}
}

// Get returns the value for key from either tier, bumping access metadata
// and promoting warm entries that crossed the threshold. Expired entries are
// treated as absent even before the sweep removes them.
func (c *HotCache) Get(key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.hot[key]; ok {
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			atomic.AddInt64(&c.misses, 1)
			c.metrics.RecordCacheMiss("hot")
			return nil, false
		}
		e.accessCount++
		e.lastAccess = now
		c.hotLRU.MoveToFront(e.elem)
		atomic.AddInt64(&c.hits, 1)
		c.metrics.RecordCacheHit("hot")
		return e.value, true
	}

	if e, ok := c.warm[key]; ok {
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			atomic.AddInt64(&c.misses, 1)
			c.metrics.RecordCacheMiss("hot")
			return nil, false
		}
		e.accessCount++
		e.lastAccess = now
		c.warmLRU.MoveToFront(e.elem)
		if e.accessCount >= c.config.PromotionThreshold {
			c.promoteLocked(e)
		}
		atomic.AddInt64(&c.hits, 1)
		c.metrics.RecordCacheHit("hot")
		return e.value, true
	}

	atomic.AddInt64(&c.misses, 1)
	c.metrics.RecordCacheMiss("hot")
	return nil, false
}

// Set stores value under key. New entries start warm; existing entries are
// updated in place, keeping their tier. ttl <= 0 uses the default TTL.
func (c *HotCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.hot[key]; ok {
		e.value = value
		e.expiresAt = now.Add(ttl)
		e.size = estimateSize(value)
		c.hotLRU.MoveToFront(e.elem)
		return
	}
	if e, ok := c.warm[key]; ok {
		e.value = value
		e.expiresAt = now.Add(ttl)
		e.size = estimateSize(value)
		c.warmLRU.MoveToFront(e.elem)
		return
	}

	if len(c.warm) >= c.config.WarmCapacity {
		c.evictWarmLRULocked()
	}
	// Access count starts at zero: only reads count toward promotion.
	e := &hotEntry{
		key:        key,
		value:      value,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
		tier:       tierWarm,
		size:       estimateSize(value),
	}
	e.elem = c.warmLRU.PushFront(e)
	c.warm[key] = e
	c.metrics.RecordCacheSize("hot", len(c.hot)+len(c.warm))
}

// promoteLocked moves a warm entry to the hot tier, demoting the hot tier's
// least recently used entry when full. Callers hold mu.
func (c *HotCache) promoteLocked(e *hotEntry) {
	if len(c.hot) >= c.config.HotCapacity {
		c.demoteLocked()
	}
	c.warmLRU.Remove(e.elem)
	delete(c.warm, e.key)
	e.tier = tierHot
	e.elem = c.hotLRU.PushFront(e)
	c.hot[e.key] = e
	atomic.AddInt64(&c.promotions, 1)
	c.logger.Debug("cache entry promoted", "key", e.key, "accessCount", e.accessCount)
}

// demoteLocked pushes the hot tier's LRU entry back to warm with its access
// count reset, so it must earn promotion again. Callers hold mu.
func (c *HotCache) demoteLocked() {
	back := c.hotLRU.Back()
	if back == nil {
		return
	}
	e := back.Value.(*hotEntry)
	c.hotLRU.Remove(back)
	delete(c.hot, e.key)

	if len(c.warm) >= c.config.WarmCapacity {
		c.evictWarmLRULocked()
	}
	e.tier = tierWarm
	e.accessCount = 1
	e.elem = c.warmLRU.PushFront(e)
	c.warm[e.key] = e
	atomic.AddInt64(&c.demotions, 1)
}

func (c *HotCache) evictWarmLRULocked() {
	back := c.warmLRU.Back()
	if back == nil {
		return
	}
	e := back.Value.(*hotEntry)
	c.warmLRU.Remove(back)
	delete(c.warm, e.key)
	atomic.AddInt64(&c.evictions, 1)
	c.metrics.RecordCacheEviction("hot", "capacity")
}

// removeLocked deletes an entry from whichever tier holds it. Callers hold mu.
func (c *HotCache) removeLocked(e *hotEntry) {
	if e.tier == tierHot {
		c.hotLRU.Remove(e.elem)
		delete(c.hot, e.key)
	} else {
		c.warmLRU.Remove(e.elem)
		delete(c.warm, e.key)
	}
}

// Delete removes key from both tiers.
func (c *HotCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hot[key]; ok {
		c.removeLocked(e)
		return true
	}
	if e, ok := c.warm[key]; ok {
		c.removeLocked(e)
		return true
	}
	return false
}

// InvalidatePrefix removes every key with the given prefix from both tiers,
// returning the number removed.
func (c *HotCache) InvalidatePrefix(prefix string) int {
	return c.invalidate(func(key string) bool { return strings.HasPrefix(key, prefix) })
}

// InvalidatePattern removes keys matching pattern: an exact key, or a prefix
// ending in '*'.
func (c *HotCache) InvalidatePattern(pattern string) int {
	prefix, wildcard := strings.CutSuffix(pattern, "*")
	return c.invalidate(func(key string) bool {
		return key == pattern || (wildcard && strings.HasPrefix(key, prefix))
	})
}

func (c *HotCache) invalidate(match func(string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.hot {
		if match(key) {
			c.removeLocked(e)
			removed++
		}
	}
	for key, e := range c.warm {
		if match(key) {
			c.removeLocked(e)
			removed++
		}
	}
	if removed > 0 {
		c.metrics.RecordCacheEviction("hot", "invalidate")
		c.metrics.RecordCacheSize("hot", len(c.hot)+len(c.warm))
	}
	return removed
}

func (c *HotCache) sweepLoop() {
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

func (c *HotCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range []map[string]*hotEntry{c.hot, c.warm} {
		for _, e := range m {
			if !now.Before(e.expiresAt) {
				c.removeLocked(e)
				c.metrics.RecordCacheEviction("hot", "ttl")
			}
		}
	}
	c.metrics.RecordCacheSize("hot", len(c.hot)+len(c.warm))
}

// Stop halts the background sweep.
func (c *HotCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// HotCacheStats is a point-in-time snapshot. EstimatedBytes is best effort.
type HotCacheStats struct {
	HotEntries     int
	WarmEntries    int
	Hits           int64
	Misses         int64
	Promotions     int64
	Demotions      int64
	Evictions      int64
	HitRate        float64
	EstimatedBytes int64
}

// Stats returns current counters.
func (c *HotCache) Stats() HotCacheStats {
	c.mu.Lock()
	var bytes int64
	for _, e := range c.hot {
		bytes += int64(e.size)
	}
	for _, e := range c.warm {
		bytes += int64(e.size)
	}
	s := HotCacheStats{
		HotEntries:     len(c.hot),
		WarmEntries:    len(c.warm),
		EstimatedBytes: bytes,
	}
	c.mu.Unlock()

	s.Hits = atomic.LoadInt64(&c.hits)
	s.Misses = atomic.LoadInt64(&c.misses)
	s.Promotions = atomic.LoadInt64(&c.promotions)
	s.Demotions = atomic.LoadInt64(&c.demotions)
	s.Evictions = atomic.LoadInt64(&c.evictions)
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// estimateSize approximates a value's memory footprint for statistics. It is
// a structural guess, not an exact accounting.
func estimateSize(value any) int {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return len(v)
	case []byte:
		return len(v)
	case [][]any:
		size := 0
		for _, row := range v {
			size += 16 * len(row)
		}
		return size
	case []any:
		return 16 * len(v)
	case map[string]any:
		size := 0
		for k := range v {
			size += len(k) + 16
		}
		return size
	default:
		return 64
	}
}
