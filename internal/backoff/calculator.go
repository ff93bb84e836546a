package backoff

import "time"

// Calculator wraps a Strategy so callers hold one value regardless of which
// algorithm is configured.
type Calculator struct {
	strategy Strategy
}

// NewCalculator creates a calculator using the given strategy.
func NewCalculator(strategy Strategy) *Calculator {
	return &Calculator{strategy: strategy}
}

// Calculate computes the backoff duration for the given attempt.
func (c *Calculator) Calculate(attempt int, baseDelay, maxDelay time.Duration, multiplier, jitterRatio float64) time.Duration {
	return c.strategy.Calculate(attempt, baseDelay, maxDelay, multiplier, jitterRatio)
}

// ExponentialJitter returns a calculator for the default exponential strategy.
func ExponentialJitter() *Calculator {
	return NewCalculator(ExponentialJitterStrategy{})
}

// DecorrelatedJitter returns a calculator for AWS-style decorrelated jitter.
func DecorrelatedJitter() *Calculator {
	return NewCalculator(DecorrelatedJitterStrategy{})
}
