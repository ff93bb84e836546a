package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry attempt. Implementations must be
// safe for concurrent use.
type Strategy interface {
	// Calculate returns the delay for the given attempt number (0-based).
	Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitterRatio float64) time.Duration
}

// ExponentialJitterStrategy multiplies the delay each attempt and applies
// symmetric jitter scaled by jitterRatio, so the final delay lands in
// [delay*(1-ratio), delay*(1+ratio)] clamped to [0, maxDelay].
type ExponentialJitterStrategy struct{}

func (ExponentialJitterStrategy) Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitterRatio float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Large exponents overflow time.Duration long before this cap matters.
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(baseDelay) * pow(multiplier, attempt))
	if delay < 0 || delay > maxDelay {
		delay = maxDelay
	}

	ratio := clampRatio(jitterRatio)
	if ratio > 0 {
		// Symmetric jitter: offset uniformly distributed in [-ratio, +ratio].
		offset := time.Duration(float64(delay) * ratio * (2*rand.Float64() - 1))
		delay += offset
	}

	if delay < 0 {
		delay = 0
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// DecorrelatedJitterStrategy implements AWS-style decorrelated jitter:
// random_between(base, min(cap, base*3^attempt)). It spreads retries more
// evenly than exponential jitter under heavy contention.
type DecorrelatedJitterStrategy struct{}

func (DecorrelatedJitterStrategy) Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitterRatio float64) time.Duration {
	if attempt <= 0 {
		return baseDelay
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(baseDelay)
	upper := base * pow(3.0, attempt)

	capf := float64(maxDelay)
	if upper > capf || upper < 0 {
		upper = capf
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func clampRatio(ratio float64) float64 {
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
