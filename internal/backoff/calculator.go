package backoff

import (
	"time"
)

// Calculator provides backoff calculation using a configurable strategy.
type Calculator struct {
	strategy Strategy
}

// NewCalculator creates a calculator with the specified strategy.
func NewCalculator(strategy Strategy) *Calculator {
	return &Calculator{strategy: strategy}
}

// Calculate computes the backoff duration for the given attempt, delegating
// to the configured strategy.
func (c *Calculator) Calculate(attempt int, initialDelay, maxDelay time.Duration, base float64, jitter bool) time.Duration {
	return c.strategy.Calculate(attempt, initialDelay, maxDelay, base, jitter)
}

// Exponential returns a calculator configured with exponential backoff and
// reducing jitter. This is the default for retry policies.
func Exponential() *Calculator {
	return NewCalculator(ExponentialJitterStrategy{})
}

// Decorrelated returns a calculator configured with AWS-style decorrelated
// jitter.
func Decorrelated() *Calculator {
	return NewCalculator(DecorrelatedJitterStrategy{})
}
