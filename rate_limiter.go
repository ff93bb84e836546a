package resilience

import (
	"sync/atomic"
	"time"
)

// RateLimiter is a lock-free token bucket used as an optional outer gate on
// calls to a quota-constrained service.
type RateLimiter struct {
	tokens     int64
	maxTokens  int64
	refillRate time.Duration
	lastRefill int64
}

// NewRateLimiter creates a bucket of maxTokens refilled one token per
// refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		maxTokens:  int64(maxTokens),
		tokens:     int64(maxTokens),
		refillRate: refillRate,
		lastRefill: time.Now().UnixNano(),
	}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.refill()
	for {
		current := atomic.LoadInt64(&rl.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&rl.tokens, current, current-1) {
			return true
		}
	}
}

// Tokens reports the number of currently available tokens.
func (rl *RateLimiter) Tokens() int {
	rl.refill()
	return int(atomic.LoadInt64(&rl.tokens))
}

func (rl *RateLimiter) refill() {
	if rl.refillRate <= 0 {
		return
	}
	now := time.Now().UnixNano()
	for {
		last := atomic.LoadInt64(&rl.lastRefill)
		toAdd := (now - last) / int64(rl.refillRate)
		if toAdd <= 0 {
			return
		}
		// Advance lastRefill by whole refill intervals so fractional time
		// is not lost between calls.
		if !atomic.CompareAndSwapInt64(&rl.lastRefill, last, last+toAdd*int64(rl.refillRate)) {
			continue
		}
		for {
			current := atomic.LoadInt64(&rl.tokens)
			next := current + toAdd
			if next > rl.maxTokens {
				next = rl.maxTokens
			}
			if atomic.CompareAndSwapInt64(&rl.tokens, current, next) {
				return
			}
		}
	}
}
