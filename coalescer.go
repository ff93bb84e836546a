package resilience

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// BatchOperation is one unit of work submitted to the Coalescer. Operations
// sharing a ResourceID within the coalesce window are flushed together.
type BatchOperation struct {
	ResourceID string
	Priority   int
	Op         Operation
}

// BatchResult carries the outcome for one BatchOperation.
type BatchResult struct {
	Value any
	Err   error
}

// BatchScheduler executes a whole batch at once, typically by translating it
// into a single remote call. It must return exactly one result per operation,
// in the same order.
type BatchScheduler interface {
	ExecuteBatch(ctx context.Context, resourceID string, ops []BatchOperation) []BatchResult
}

// BatchSchedulerFunc adapts a function to the BatchScheduler interface.
type BatchSchedulerFunc func(ctx context.Context, resourceID string, ops []BatchOperation) []BatchResult

func (f BatchSchedulerFunc) ExecuteBatch(ctx context.Context, resourceID string, ops []BatchOperation) []BatchResult {
	return f(ctx, resourceID, ops)
}

// CoalescerConfig configures a Coalescer.
type CoalescerConfig struct {
	// MaxCoalesceSize flushes a batch as soon as it holds this many
	// operations. Default: 10.
	MaxCoalesceSize int
	// CoalesceWindow is how long the first operation on a resource waits
	// for company before its batch flushes. Default: 50ms.
	CoalesceWindow time.Duration
	// MaxPending caps queued and in-flight operations per resource; beyond
	// it Queue fails with a CapacityError for that resource. Other
	// resources keep queueing. Default: 100.
	MaxPending int
	// Scheduler, when set, executes whole batches. Without one each
	// operation runs individually in priority order.
	Scheduler BatchScheduler
	// Pool, when set, bounds the concurrency of individual-operation
	// flushes. Ignored when Scheduler is set.
	Pool *ConnectionPool
}

func (c CoalescerConfig) withDefaults() CoalescerConfig {
	if c.MaxCoalesceSize <= 0 {
		c.MaxCoalesceSize = 10
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 50 * time.Millisecond
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 100
	}
	return c
}

type queuedOp struct {
	op     BatchOperation
	seq    int64
	result chan BatchResult
}

// coalescedBatch accumulates operations for one resource until the window
// timer fires or the size cap is hit, whichever comes first.
type coalescedBatch struct {
	ops     []*queuedOp
	timer   *time.Timer
	flushed bool
}

// Coalescer merges bursts of small operations on the same resource into
// batches, trading a bounded delay for fewer remote calls.
type Coalescer struct {
	config CoalescerConfig

	mu          sync.Mutex
	batches     map[string]*coalescedBatch
	pending     int
	perResource map[string]int
	seq         int64

	queued   int64
	flushes  int64
	rejected int64

	metrics *MetricsCollector
	logger  Logger

	closed bool
}

// NewCoalescer creates a coalescer.
func NewCoalescer(config CoalescerConfig) *Coalescer {
	return &Coalescer{
		config:      config.withDefaults(),
		batches:     make(map[string]*coalescedBatch),
		perResource: make(map[string]int),
		logger:      nopLogger{},
	}
}

// SetObservers attaches a metrics collector and logger. Both may be nil.
func (c *Coalescer) SetObservers(metrics *MetricsCollector, logger Logger) {
	c.metrics = metrics
	if logger != nil {
		c.logger = logger
	}
}

// Queue submits op and blocks until its batch has executed or ctx is done.
// A full coalescer fails immediately with a CapacityError rather than
// queueing unbounded work.
func (c *Coalescer) Queue(ctx context.Context, op BatchOperation) (any, error) {
	q := &queuedOp{op: op, result: make(chan BatchResult, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, context.Canceled
	}
	if c.perResource[op.ResourceID] >= c.config.MaxPending {
		c.mu.Unlock()
		atomic.AddInt64(&c.rejected, 1)
		c.metrics.RecordCoalescerRejected(op.ResourceID)
		return nil, &CapacityError{Resource: op.ResourceID, Limit: c.config.MaxPending}
	}
	c.pending++
	c.perResource[op.ResourceID]++
	c.seq++
	q.seq = c.seq
	atomic.AddInt64(&c.queued, 1)

	b, ok := c.batches[op.ResourceID]
	if !ok {
		b = &coalescedBatch{}
		resourceID := op.ResourceID
		b.timer = time.AfterFunc(c.config.CoalesceWindow, func() {
			c.flushOnTimer(resourceID, b)
		})
		c.batches[op.ResourceID] = b
	}
	b.ops = append(b.ops, q)

	var full []*queuedOp
	if len(b.ops) >= c.config.MaxCoalesceSize {
		full = c.detachLocked(op.ResourceID, b)
	}
	c.mu.Unlock()

	if full != nil {
		go c.runBatch(op.ResourceID, full)
	}

	select {
	case res := <-q.result:
		return res.Value, res.Err
	case <-ctx.Done():
		// The batch still runs; the result is simply dropped.
		return nil, ctx.Err()
	}
}

// detachLocked removes the batch from the map and stops its timer so it
// flushes exactly once. Callers hold mu.
func (c *Coalescer) detachLocked(resourceID string, b *coalescedBatch) []*queuedOp {
	if b.flushed {
		return nil
	}
	b.flushed = true
	b.timer.Stop()
	if c.batches[resourceID] == b {
		delete(c.batches, resourceID)
	}
	return b.ops
}

func (c *Coalescer) flushOnTimer(resourceID string, b *coalescedBatch) {
	c.mu.Lock()
	ops := c.detachLocked(resourceID, b)
	c.mu.Unlock()
	if ops != nil {
		c.runBatch(resourceID, ops)
	}
}

// runBatch executes one detached batch. It uses a background context: the
// contexts of individual callers must not cancel work their batchmates are
// still waiting on.
func (c *Coalescer) runBatch(resourceID string, ops []*queuedOp) {
	ctx := context.Background()

	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].op.Priority != ops[j].op.Priority {
			return ops[i].op.Priority > ops[j].op.Priority
		}
		return ops[i].seq < ops[j].seq
	})

	atomic.AddInt64(&c.flushes, 1)
	c.metrics.RecordBatchFlush(resourceID, len(ops))
	c.logger.Debug("flushing batch", "resource", resourceID, "size", len(ops))

	defer func() {
		c.mu.Lock()
		c.pending -= len(ops)
		c.perResource[resourceID] -= len(ops)
		if c.perResource[resourceID] <= 0 {
			delete(c.perResource, resourceID)
		}
		c.mu.Unlock()
	}()

	if c.config.Scheduler != nil {
		batch := make([]BatchOperation, len(ops))
		for i, q := range ops {
			batch[i] = q.op
		}
		results := c.config.Scheduler.ExecuteBatch(ctx, resourceID, batch)
		if len(results) != len(ops) {
			err := NewServiceError(0, "batch scheduler returned mismatched result count")
			for _, q := range ops {
				q.result <- BatchResult{Err: err}
			}
			return
		}
		for i, q := range ops {
			q.result <- results[i]
		}
		return
	}

	for _, q := range ops {
		op := q.op.Op
		var value any
		var err error
		if c.config.Pool != nil {
			value, err = c.config.Pool.Execute(ctx, op)
		} else {
			value, err = op(ctx)
		}
		q.result <- BatchResult{Value: value, Err: err}
	}
}

// FlushAll forces every pending batch to execute immediately.
func (c *Coalescer) FlushAll() {
	c.mu.Lock()
	type flush struct {
		resourceID string
		ops        []*queuedOp
	}
	var flushes []flush
	for resourceID, b := range c.batches {
		if ops := c.detachLocked(resourceID, b); ops != nil {
			flushes = append(flushes, flush{resourceID: resourceID, ops: ops})
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, f := range flushes {
		wg.Add(1)
		go func(f flush) {
			defer wg.Done()
			c.runBatch(f.resourceID, f.ops)
		}(f)
	}
	wg.Wait()
}

// Close flushes pending batches and rejects further queueing.
func (c *Coalescer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.FlushAll()
}

// CoalescerStats is a point-in-time snapshot.
type CoalescerStats struct {
	Queued       int64
	Flushes      int64
	Rejected     int64
	Pending      int
	OpenBatches  int
	AvgBatchSize float64
}

// Stats returns current counters.
func (c *Coalescer) Stats() CoalescerStats {
	c.mu.Lock()
	pending := c.pending
	open := len(c.batches)
	c.mu.Unlock()

	s := CoalescerStats{
		Queued:      atomic.LoadInt64(&c.queued),
		Flushes:     atomic.LoadInt64(&c.flushes),
		Rejected:    atomic.LoadInt64(&c.rejected),
		Pending:     pending,
		OpenBatches: open,
	}
	if s.Flushes > 0 {
		s.AvgBatchSize = float64(s.Queued-s.Rejected-int64(pending)) / float64(s.Flushes)
	}
	return s
}
