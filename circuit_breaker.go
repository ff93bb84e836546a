package resilience

import (
	"context"
	"sort"
	"sync"
	"time"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration. Zero values fall
// back to the documented defaults.
type CircuitBreakerConfig struct {
	// Name identifies the protected resource in errors, logs and metrics.
	Name string
	// FailureThreshold opens the circuit after this many consecutive
	// failures in the closed state. Default: 5.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing a
	// half-open probe. Default: 60s.
	RecoveryTimeout time.Duration
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes. Default: 2.
	SuccessThreshold int
	// IsFailure decides whether an error counts against the circuit.
	// Default: every non-nil error counts.
	IsFailure func(error) bool
	// OnStateChange is invoked after each transition, outside the lock.
	OnStateChange func(name string, from, to CircuitState)
}

// FallbackStrategy is an alternate way to produce a result while the circuit
// is rejecting calls. Strategies are tried in descending Priority order.
type FallbackStrategy struct {
	Name string
	// Priority orders strategies; higher runs first.
	Priority int
	// Applies filters which triggering errors the strategy handles.
	// A nil predicate accepts everything.
	Applies func(error) bool
	// Execute produces the substitute result.
	Execute Operation
}

// CircuitBreaker gates calls to a failing resource. It is created once per
// protected resource and lives for the process lifetime; state only changes
// through its own transition methods. Safe for concurrent use.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failures      int
	successes     int
	totalRequests int64
	lastFailure   time.Time
	nextAttempt   time.Time
	fallbacks     []FallbackStrategy

	metrics *MetricsCollector
	logger  Logger
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		logger: nopLogger{},
	}
}

// SetObservers attaches a metrics collector and logger. Both may be nil.
func (cb *CircuitBreaker) SetObservers(metrics *MetricsCollector, logger Logger) {
	cb.metrics = metrics
	if logger != nil {
		cb.logger = logger
	}
}

// RegisterFallback adds a fallback strategy, kept sorted by priority.
func (cb *CircuitBreaker) RegisterFallback(fs FallbackStrategy) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fallbacks = append(cb.fallbacks, fs)
	sort.SliceStable(cb.fallbacks, func(i, j int) bool {
		return cb.fallbacks[i].Priority > cb.fallbacks[j].Priority
	})
}

// Execute runs op through the breaker. When the circuit is open the
// operation is skipped and fallback resolution runs instead; if no fallback
// succeeds the caller receives a *CircuitOpenError.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) (any, error) {
	return cb.ExecuteWithFallback(ctx, op, nil)
}

// ExecuteWithFallback is Execute with one extra, lowest-priority fallback
// supplied per call.
func (cb *CircuitBreaker) ExecuteWithFallback(ctx context.Context, op Operation, fallback Operation) (any, error) {
	if !cb.Allow() {
		trigger := cb.openError()
		cb.logger.Warn("circuit rejecting call", "name", cb.config.Name, "retryAt", trigger.RetryAt)
		return cb.resolveFallback(ctx, trigger, fallback)
	}

	value, err := op(ctx)
	if err != nil && cb.config.IsFailure(err) {
		cb.RecordFailure()
		return nil, err
	}
	if err != nil {
		// Errors excluded by IsFailure (e.g. caller cancellation) pass
		// through without touching the state machine.
		return nil, err
	}
	cb.RecordSuccess()
	return value, nil
}

// Allow reports whether a call may proceed, transitioning open circuits to
// half-open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	cb.totalRequests++

	switch cb.state {
	case StateClosed, StateHalfOpen:
		cb.mu.Unlock()
		return true
	case StateOpen:
		if time.Now().Before(cb.nextAttempt) {
			cb.mu.Unlock()
			return false
		}
		cb.successes = 0
		cb.transitionLocked(StateHalfOpen)
		cb.mu.Unlock()
		return true
	default:
		cb.mu.Unlock()
		return false
	}
}

// RecordFailure registers a failed call against the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		// A failed probe reopens immediately and resets the timer.
		cb.failures++
		cb.successes = 0
		cb.open()
	}
	cb.mu.Unlock()
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.transitionLocked(StateClosed)
		}
	}
	cb.mu.Unlock()
}

// open transitions to StateOpen and arms the recovery timer. Callers hold mu.
func (cb *CircuitBreaker) open() {
	cb.nextAttempt = time.Now().Add(cb.config.RecoveryTimeout)
	cb.transitionLocked(StateOpen)
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	cb.metrics.RecordCircuitState(cb.config.Name, to)
	cb.metrics.RecordCircuitTransition(cb.config.Name, from, to)
	if cb.config.OnStateChange != nil {
		name := cb.config.Name
		hook := cb.config.OnStateChange
		go hook(name, from, to)
	}
}

func (cb *CircuitBreaker) openError() *CircuitOpenError {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return &CircuitOpenError{Resource: cb.config.Name, RetryAt: cb.nextAttempt}
}

// resolveFallback tries registered strategies in descending priority order,
// skipping any whose predicate rejects the trigger. The first strategy that
// completes without error wins; otherwise the trigger error surfaces.
func (cb *CircuitBreaker) resolveFallback(ctx context.Context, trigger *CircuitOpenError, extra Operation) (any, error) {
	cb.mu.Lock()
	strategies := make([]FallbackStrategy, len(cb.fallbacks))
	copy(strategies, cb.fallbacks)
	cb.mu.Unlock()

	if extra != nil {
		strategies = append(strategies, FallbackStrategy{Name: "inline", Execute: extra})
	}

	for _, fs := range strategies {
		if fs.Applies != nil && !fs.Applies(trigger) {
			continue
		}
		value, err := fs.Execute(ctx)
		if err != nil {
			cb.metrics.RecordFallback(cb.config.Name, fs.Name, "error")
			cb.logger.Debug("fallback failed", "name", cb.config.Name, "strategy", fs.Name, "error", err)
			continue
		}
		cb.metrics.RecordFallback(cb.config.Name, fs.Name, "success")
		return value, nil
	}
	return nil, trigger
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit closed with zeroed counters. Administrative and
// testing use only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.successes = 0
	cb.nextAttempt = time.Time{}
	cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
}

// CircuitStats is a point-in-time snapshot of a breaker.
type CircuitStats struct {
	Name          string
	State         CircuitState
	Failures      int
	Successes     int
	TotalRequests int64
	LastFailure   time.Time
	NextAttempt   time.Time
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitStats{
		Name:          cb.config.Name,
		State:         cb.state,
		Failures:      cb.failures,
		Successes:     cb.successes,
		TotalRequests: cb.totalRequests,
		LastFailure:   cb.lastFailure,
		NextAttempt:   cb.nextAttempt,
	}
}
