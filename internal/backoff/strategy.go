package backoff

import (
	"math/rand"
	"time"
)

// Strategy defines the interface for backoff calculation algorithms.
type Strategy interface {
	// Calculate returns the delay before re-attempting after the given
	// zero-based attempt index.
	Calculate(attempt int, initialDelay, maxDelay time.Duration, base float64, jitter bool) time.Duration
}

// ExponentialJitterStrategy implements capped exponential backoff. The
// nominal delay is min(initialDelay * base^attempt, maxDelay); when jitter
// is enabled the result is multiplied by a uniform factor in [0.5, 1.0), so
// jitter only ever shortens the wait. This desynchronizes retrying clients
// without exceeding the unjittered curve.
type ExponentialJitterStrategy struct{}

// Calculate implements the Strategy interface.
func (s ExponentialJitterStrategy) Calculate(attempt int, initialDelay, maxDelay time.Duration, base float64, jitter bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Prevent overflow by limiting attempt
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(initialDelay) * pow(base, attempt))
	if delay < 0 || delay > maxDelay {
		delay = maxDelay
	}
	if jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return delay
}

// DecorrelatedJitterStrategy implements decorrelated jitter as per the AWS
// architecture blog: each delay is drawn uniformly between the base delay
// and an exponentially growing upper bound. Smoother tail latencies than
// plain exponential jitter under heavy contention.
type DecorrelatedJitterStrategy struct{}

// Calculate implements the Strategy interface. The jitter flag is ignored:
// randomness is inherent to the strategy.
func (s DecorrelatedJitterStrategy) Calculate(attempt int, initialDelay, maxDelay time.Duration, base float64, _ bool) time.Duration {
	if attempt <= 0 {
		return initialDelay
	}
	// Prevent overflow by limiting attempt
	if attempt > 10 {
		attempt = 10
	}

	lower := float64(initialDelay)
	upper := lower * pow(3.0, attempt)

	maxFloat := float64(maxDelay)
	if upper > maxFloat || upper < 0 {
		upper = maxFloat
	}
	if upper < lower {
		upper = lower
	}

	delay := time.Duration(lower + rand.Float64()*(upper-lower))
	if delay < 0 || delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// pow calculates base^exponent using integer exponentiation.
func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
