package resilience

import "sync"

// BreakerRegistry holds the named circuit breakers for a process. It replaces
// shared global breakers with an explicit object constructed at startup and
// handed to every consumer, so tests get fresh instances and coupling stays
// visible.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
	metrics  *MetricsCollector
	logger   Logger
}

// NewBreakerRegistry creates a registry. New breakers inherit defaults with
// only the name replaced.
func NewBreakerRegistry(defaults CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		logger:   nopLogger{},
	}
}

// SetObservers attaches a metrics collector and logger propagated to every
// breaker the registry creates.
func (r *BreakerRegistry) SetObservers(metrics *MetricsCollector, logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = metrics
	if logger != nil {
		r.logger = logger
	}
	for _, cb := range r.breakers {
		cb.SetObservers(metrics, logger)
	}
}

// GetOrCreate returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	config := r.defaults
	config.Name = name
	cb = NewCircuitBreaker(config)
	cb.SetObservers(r.metrics, r.logger)
	r.breakers[name] = cb
	return cb
}

// Get returns the breaker for name if it exists.
func (r *BreakerRegistry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Register installs a pre-configured breaker, replacing any existing one.
func (r *BreakerRegistry) Register(name string, cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[name] = cb
}

// Names returns the registered breaker names.
func (r *BreakerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// ResetAll forces every registered breaker closed.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// Stats returns a snapshot for every registered breaker.
func (r *BreakerRegistry) Stats() map[string]CircuitStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]CircuitStats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}
