package resilience

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ConnectionPoolConfig configures a ConnectionPool.
type ConnectionPoolConfig struct {
	// Name labels the pool in metrics. Default: "default".
	Name string
	// MaxConcurrent bounds how many operations run at once. Default: 5.
	MaxConcurrent int
}

func (c ConnectionPoolConfig) withDefaults() ConnectionPoolConfig {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	return c
}

// ConnectionPool bounds in-flight operations against the remote service.
// Callers block until a slot frees or their context is done; there is no
// queue limit beyond the callers themselves.
type ConnectionPool struct {
	config ConnectionPoolConfig
	sem    *semaphore.Weighted

	active   int64
	peak     int64
	executed int64
	rejected int64

	metrics *MetricsCollector
}

// NewConnectionPool creates a pool with the given bounds.
func NewConnectionPool(config ConnectionPoolConfig) *ConnectionPool {
	cfg := config.withDefaults()
	return &ConnectionPool{
		config: cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// SetObservers attaches a metrics collector. May be nil.
func (p *ConnectionPool) SetObservers(metrics *MetricsCollector) {
	p.metrics = metrics
}

// Execute runs op once a slot is available. It returns ctx.Err() if the
// context is done before a slot frees.
func (p *ConnectionPool) Execute(ctx context.Context, op Operation) (any, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	active := atomic.AddInt64(&p.active, 1)
	for {
		peak := atomic.LoadInt64(&p.peak)
		if active <= peak || atomic.CompareAndSwapInt64(&p.peak, peak, active) {
			break
		}
	}
	p.metrics.RecordPoolActive(p.config.Name, int(active))
	defer func() {
		remaining := atomic.AddInt64(&p.active, -1)
		p.metrics.RecordPoolActive(p.config.Name, int(remaining))
	}()

	atomic.AddInt64(&p.executed, 1)
	return op(ctx)
}

// TryExecute runs op if a slot is free right now, returning a CapacityError
// without blocking otherwise.
func (p *ConnectionPool) TryExecute(ctx context.Context, op Operation) (any, error) {
	if !p.sem.TryAcquire(1) {
		atomic.AddInt64(&p.rejected, 1)
		return nil, &CapacityError{Resource: p.config.Name, Limit: p.config.MaxConcurrent}
	}
	defer p.sem.Release(1)

	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)
	atomic.AddInt64(&p.executed, 1)
	return op(ctx)
}

// PoolStats is a point-in-time snapshot.
type PoolStats struct {
	Name          string
	MaxConcurrent int
	Active        int64
	Peak          int64
	Executed      int64
	Rejected      int64
}

// Stats returns current counters.
func (p *ConnectionPool) Stats() PoolStats {
	return PoolStats{
		Name:          p.config.Name,
		MaxConcurrent: p.config.MaxConcurrent,
		Active:        atomic.LoadInt64(&p.active),
		Peak:          atomic.LoadInt64(&p.peak),
		Executed:      atomic.LoadInt64(&p.executed),
		Rejected:      atomic.LoadInt64(&p.rejected),
	}
}
