package resilience

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DeduplicatorConfig configures a RequestDeduplicator. Zero values fall back
// to the documented defaults.
type DeduplicatorConfig struct {
	// ResultTTL bounds how long a completed result is served from cache.
	// Default: 5s — long enough to absorb bursts, short enough to stay fresh.
	ResultTTL time.Duration
	// MaxCacheSize caps the completed-result cache; the oldest entry is
	// evicted first. Default: 1000.
	MaxCacheSize int
	// PendingTimeout is the safety valve: pending calls older than this are
	// rejected with ErrDeduplicationTimeout. Default: 60s.
	PendingTimeout time.Duration
	// SweepInterval is how often the safety sweep runs. Default: 10s.
	SweepInterval time.Duration
	// RemoteStore optionally mirrors []byte results to a shared store so
	// replicas can serve each other's completed calls.
	RemoteStore ResultStore
}

func (c DeduplicatorConfig) withDefaults() DeduplicatorConfig {
	if c.ResultTTL <= 0 {
		c.ResultTTL = 5 * time.Second
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = 1000
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	return c
}

// pendingRequest is a single in-flight call shared between the owner and any
// waiters that attached to the same key.
type pendingRequest struct {
	created  time.Time
	done     chan struct{}
	value    any
	err      error
	waiters  int32
	resolved bool
}

// cachedResult is a completed call kept briefly so immediate repeats skip
// the network entirely.
type cachedResult struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

func (r *cachedResult) expired(now time.Time) bool {
	return now.Sub(r.storedAt) >= r.ttl
}

// RequestDeduplicator coalesces concurrent identical calls and caches
// completed results. At most one execution is in flight per key; every
// caller attached to that key receives the same outcome. Key equality is
// exact-match only — semantic overlap between different keys is the
// RangeCache's concern, not this one's.
type RequestDeduplicator struct {
	config DeduplicatorConfig

	mu      sync.Mutex
	pending map[string]*pendingRequest
	results map[string]*cachedResult
	order   []string

	totalRequests int64
	deduplicated  int64
	cacheHits     int64
	cacheMisses   int64

	metrics *MetricsCollector
	logger  Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRequestDeduplicator creates a deduplicator and starts its safety sweep.
// Call Stop when done.
func NewRequestDeduplicator(config DeduplicatorConfig) *RequestDeduplicator {
	d := &RequestDeduplicator{
		config:  config.withDefaults(),
		pending: make(map[string]*pendingRequest),
		results: make(map[string]*cachedResult),
		logger:  nopLogger{},
		stopCh:  make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// SetObservers attaches a metrics collector and logger. Both may be nil.
func (d *RequestDeduplicator) SetObservers(metrics *MetricsCollector, logger Logger) {
	d.metrics = metrics
	if logger != nil {
		d.logger = logger
	}
}

// Deduplicate returns a cached result for key, attaches to an in-flight call
// for key, or invokes op as the new owner — in that order.
func (d *RequestDeduplicator) Deduplicate(ctx context.Context, key string, op Operation) (any, error) {
	atomic.AddInt64(&d.totalRequests, 1)

	d.mu.Lock()

	if res, ok := d.results[key]; ok {
		if !res.expired(time.Now()) {
			d.mu.Unlock()
			atomic.AddInt64(&d.cacheHits, 1)
			d.metrics.RecordDedupHit("result")
			return res.value, nil
		}
		d.removeResultLocked(key)
	}
	atomic.AddInt64(&d.cacheMisses, 1)

	if p, ok := d.pending[key]; ok {
		atomic.AddInt32(&p.waiters, 1)
		d.mu.Unlock()
		atomic.AddInt64(&d.deduplicated, 1)
		d.metrics.RecordDedupHit("pending")
		select {
		case <-p.done:
			return p.value, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p := &pendingRequest{created: time.Now(), done: make(chan struct{}), waiters: 1}
	d.pending[key] = p
	d.mu.Unlock()

	if d.config.RemoteStore != nil {
		if value, ok := d.remoteLookup(ctx, key); ok {
			d.complete(key, p, value, nil)
			return value, nil
		}
	}

	value, err := op(ctx)
	d.complete(key, p, value, err)
	return value, err
}

// complete resolves the pending entry, caches a successful result, and
// releases every waiter. The sweep may have already resolved the entry with
// a timeout; in that case the late outcome is discarded for waiters but
// still returned to the owner by Deduplicate.
func (d *RequestDeduplicator) complete(key string, p *pendingRequest, value any, err error) {
	d.mu.Lock()
	if p.resolved {
		d.mu.Unlock()
		return
	}
	p.resolved = true
	p.value = value
	p.err = err
	if d.pending[key] == p {
		delete(d.pending, key)
	}
	if err == nil {
		d.storeResultLocked(key, value)
	}
	d.mu.Unlock()
	close(p.done)

	if err == nil && d.config.RemoteStore != nil {
		d.remoteStore(key, value)
	}
}

// storeResultLocked caches a completed value, evicting oldest-first when at
// capacity. Callers hold mu.
func (d *RequestDeduplicator) storeResultLocked(key string, value any) {
	if _, exists := d.results[key]; !exists {
		for len(d.results) >= d.config.MaxCacheSize && len(d.order) > 0 {
			oldest := d.order[0]
			d.order = d.order[1:]
			if _, ok := d.results[oldest]; ok {
				delete(d.results, oldest)
				d.metrics.RecordCacheEviction("dedup", "capacity")
			}
		}
		d.order = append(d.order, key)
	}
	d.results[key] = &cachedResult{value: value, storedAt: time.Now(), ttl: d.config.ResultTTL}
	d.metrics.RecordCacheSize("dedup", len(d.results))
}

func (d *RequestDeduplicator) removeResultLocked(key string) {
	delete(d.results, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// InvalidateCache drops cached results whose key matches pattern: either an
// exact key or a prefix ending in '*'. Writers call this to keep subsequent
// reads consistent. Returns the number of entries dropped.
func (d *RequestDeduplicator) InvalidateCache(pattern string) int {
	prefix, wildcard := strings.CutSuffix(pattern, "*")

	d.mu.Lock()
	var dropped []string
	for key := range d.results {
		if key == pattern || (wildcard && strings.HasPrefix(key, prefix)) {
			dropped = append(dropped, key)
		}
	}
	for _, key := range dropped {
		d.removeResultLocked(key)
	}
	d.mu.Unlock()

	if wildcard && d.config.RemoteStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := d.config.RemoteStore.DeletePrefix(ctx, prefix); err != nil {
			d.logger.Warn("remote invalidation failed", "prefix", prefix, "error", err)
		}
		cancel()
	}
	return len(dropped)
}

func (d *RequestDeduplicator) remoteLookup(ctx context.Context, key string) (any, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	value, ok, err := d.config.RemoteStore.Get(lookupCtx, key)
	if err != nil {
		d.logger.Debug("remote result lookup failed", "key", key, "error", err)
		return nil, false
	}
	if ok {
		d.metrics.RecordDedupHit("remote")
	}
	return value, ok
}

// remoteStore mirrors []byte results to the shared store, best effort.
func (d *RequestDeduplicator) remoteStore(key string, value any) {
	payload, ok := value.([]byte)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.config.RemoteStore.Set(ctx, key, payload, d.config.ResultTTL); err != nil {
		d.logger.Debug("remote result store failed", "key", key, "error", err)
	}
}

// sweepLoop periodically rejects pending calls that outlived the safety
// window and purges expired results.
func (d *RequestDeduplicator) sweepLoop() {
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep(time.Now())
		case <-d.stopCh:
			return
		}
	}
}

func (d *RequestDeduplicator) sweep(now time.Time) {
	d.mu.Lock()
	var timedOut []*pendingRequest
	for key, p := range d.pending {
		if now.Sub(p.created) >= d.config.PendingTimeout {
			p.resolved = true
			p.err = ErrDeduplicationTimeout
			delete(d.pending, key)
			timedOut = append(timedOut, p)
			d.logger.Warn("pending call swept", "key", key, "age", now.Sub(p.created))
		}
	}
	for key, res := range d.results {
		if res.expired(now) {
			d.removeResultLocked(key)
			d.metrics.RecordCacheEviction("dedup", "ttl")
		}
	}
	d.metrics.RecordCacheSize("dedup", len(d.results))
	d.mu.Unlock()

	for _, p := range timedOut {
		close(p.done)
	}
}

// Stop halts the background sweep. Pending calls are left to resolve.
func (d *RequestDeduplicator) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// DeduplicatorStats is a point-in-time snapshot.
type DeduplicatorStats struct {
	TotalRequests int64
	Deduplicated  int64
	CacheHits     int64
	CacheMisses   int64
	PendingCount  int
	CachedCount   int
	HitRate       float64
	DedupRate     float64
}

// Stats returns current counters and derived rates.
func (d *RequestDeduplicator) Stats() DeduplicatorStats {
	d.mu.Lock()
	pending := len(d.pending)
	cached := len(d.results)
	d.mu.Unlock()

	s := DeduplicatorStats{
		TotalRequests: atomic.LoadInt64(&d.totalRequests),
		Deduplicated:  atomic.LoadInt64(&d.deduplicated),
		CacheHits:     atomic.LoadInt64(&d.cacheHits),
		CacheMisses:   atomic.LoadInt64(&d.cacheMisses),
		PendingCount:  pending,
		CachedCount:   cached,
	}
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.CacheHits) / float64(s.TotalRequests)
		s.DedupRate = float64(s.Deduplicated) / float64(s.TotalRequests)
	}
	return s
}
