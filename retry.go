package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/khill1269/servalsheets-sub021/internal/backoff"
)

// BackoffStrategy selects the delay algorithm between retry attempts.
type BackoffStrategy int

const (
	// ExponentialJitter doubles the delay each attempt with symmetric jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter uses AWS-style decorrelated jitter.
	DecorrelatedJitter
)

// RetryOptions configures a RetryExecutor. Zero values fall back to the
// documented defaults.
type RetryOptions struct {
	// MaxRetries is the number of retries after the initial attempt. Default: 3.
	MaxRetries int
	// BaseDelay is the delay before the first retry. Default: 100ms.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay. Default: 10s.
	MaxDelay time.Duration
	// Multiplier grows the delay each attempt. Default: 2.0.
	Multiplier float64
	// JitterRatio scales symmetric jitter applied to each delay, in [0,1].
	// Default: 0.1.
	JitterRatio float64
	// Timeout bounds each individual attempt. Zero means no per-attempt
	// timeout beyond the ambient context deadline.
	Timeout time.Duration
	// Retryable classifies errors. Default: DefaultRetryable. Operations
	// that are not idempotent must supply a predicate that reflects that.
	Retryable func(error) bool
	// Strategy selects the backoff algorithm. Default: ExponentialJitter.
	Strategy BackoffStrategy
	// Budget optionally caps retries across all calls sharing it.
	Budget *RetryBudget
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	} else if o.MaxRetries < 0 {
		// Negative means "no retries"; zero keeps the default.
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2.0
	}
	if o.JitterRatio == 0 {
		o.JitterRatio = 0.1
	}
	if o.Retryable == nil {
		o.Retryable = DefaultRetryable
	}
	return o
}

// RetryExecutor wraps a single operation with timeout, retry and backoff.
// It is the innermost reliability layer and has no dependency on the others.
type RetryExecutor struct {
	opts    RetryOptions
	calc    *backoff.Calculator
	metrics *MetricsCollector
	logger  Logger
}

// NewRetryExecutor creates an executor with defaults applied.
func NewRetryExecutor(opts RetryOptions) *RetryExecutor {
	opts = opts.withDefaults()
	calc := backoff.ExponentialJitter()
	if opts.Strategy == DecorrelatedJitter {
		calc = backoff.DecorrelatedJitter()
	}
	return &RetryExecutor{opts: opts, calc: calc, logger: nopLogger{}}
}

// SetObservers attaches a metrics collector and logger. Both may be nil.
func (e *RetryExecutor) SetObservers(metrics *MetricsCollector, logger Logger) {
	e.metrics = metrics
	if logger != nil {
		e.logger = logger
	}
}

// Execute runs op under the executor's retry policy. The resource name is
// only used for observability labels. On exhaustion the last error is
// surfaced unchanged; the executor never substitutes a default result.
func (e *RetryExecutor) Execute(ctx context.Context, resource string, op Operation) (any, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			e.metrics.RecordRetry(resource, attempt)
		}

		value, err := e.runAttempt(ctx, op)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !e.opts.Retryable(err) || attempt >= e.opts.MaxRetries {
			return nil, lastErr
		}

		if e.opts.Budget != nil && !e.opts.Budget.Allow() {
			e.metrics.RecordRetryBudgetExceeded(resource)
			return nil, ErrRetryBudgetExceeded
		}

		delay := e.nextDelay(attempt, err)

		// Retrying past the ambient deadline is pointless: abort now and
		// surface the original failure rather than a deadline error.
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
			return nil, lastErr
		}

		e.logger.Debug("scheduling retry", "resource", resource, "attempt", attempt+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		}
	}
}

func (e *RetryExecutor) runAttempt(ctx context.Context, op Operation) (any, error) {
	if e.opts.Timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	return op(attemptCtx)
}

func (e *RetryExecutor) nextDelay(attempt int, err error) time.Duration {
	// An explicit server hint beats any computed backoff.
	if hint, ok := RetryAfterHint(err); ok {
		if hint > e.opts.MaxDelay {
			return e.opts.MaxDelay
		}
		return hint
	}
	return e.calc.Calculate(attempt, e.opts.BaseDelay, e.opts.MaxDelay, e.opts.Multiplier, e.opts.JitterRatio)
}

// ExecuteWithRetry is a convenience wrapper for one-off calls.
func ExecuteWithRetry(ctx context.Context, op Operation, opts RetryOptions) (any, error) {
	return NewRetryExecutor(opts).Execute(ctx, "default", op)
}

// RetryBudget caps the total number of retries across all calls sharing it
// within a sliding window, protecting the remote service from retry storms.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a budget of maxRetries per window.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow reports whether another retry fits in the current window.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns the budget's current usage.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
