package bastion

import (
	"fmt"
	"time"
)

// Option configures an Invoker.
type Option[T any] func(*Invoker[T])

// WithName sets the dependency name used in errors, logs and metrics.
func WithName[T any](name string) Option[T] {
	return func(inv *Invoker[T]) {
		inv.name = name
	}
}

// WithRateLimiter gates entry with a token bucket refilling at rate tokens
// per second up to capacity (capacity <= 0 defaults to rate).
func WithRateLimiter[T any](rate, capacity float64) Option[T] {
	return func(inv *Invoker[T]) {
		inv.bucket = NewTokenBucket(rate, capacity)
	}
}

// WithTokenBucket installs a caller-owned bucket, e.g. one shared between
// several invokers hitting the same upstream quota.
func WithTokenBucket[T any](bucket *TokenBucket) Option[T] {
	return func(inv *Invoker[T]) {
		inv.bucket = bucket
	}
}

// WithNonBlockingRateLimit makes a depleted bucket reject immediately with
// ErrRateLimited instead of waiting for tokens.
func WithNonBlockingRateLimit[T any]() Option[T] {
	return func(inv *Invoker[T]) {
		inv.blockOnLimit = false
	}
}

// WithCircuitBreaker protects calls with an in-process breaker built from
// config.
func WithCircuitBreaker[T any](config CircuitBreakerConfig) Option[T] {
	return func(inv *Invoker[T]) {
		if config.Name == "" {
			config.Name = inv.name
		}
		if config.Logger == nil {
			config.Logger = inv.logger
		}
		inv.breaker = NewCircuitBreaker(config)
	}
}

// WithBreaker installs a caller-supplied breaker, e.g. a SharedBreaker or
// one obtained from a Registry.
func WithBreaker[T any](b Breaker) Option[T] {
	return func(inv *Invoker[T]) {
		inv.breaker = b
	}
}

// WithRetryPolicy replaces the whole retry policy.
func WithRetryPolicy[T any](p *RetryPolicy) Option[T] {
	return func(inv *Invoker[T]) {
		inv.retry = p
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries[T any](n int) Option[T] {
	return func(inv *Invoker[T]) {
		inv.retry.maxRetries = n
	}
}

// WithInitialDelay sets the first backoff delay.
func WithInitialDelay[T any](d time.Duration) Option[T] {
	return func(inv *Invoker[T]) {
		inv.retry.initialDelay = d
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay[T any](d time.Duration) Option[T] {
	return func(inv *Invoker[T]) {
		inv.retry.maxDelay = d
	}
}

// WithBackoffMultiplier sets the exponential base for backoff growth.
func WithBackoffMultiplier[T any](f float64) Option[T] {
	return func(inv *Invoker[T]) {
		inv.retry.base = f
	}
}

// WithJitter enables or disables backoff jitter.
func WithJitter[T any](enabled bool) Option[T] {
	return func(inv *Invoker[T]) {
		inv.retry.jitter = enabled
	}
}

// WithClassifier sets the retryable-error classifier.
func WithClassifier[T any](fn Classifier) Option[T] {
	return func(inv *Invoker[T]) {
		inv.retry.SetClassifier(fn)
	}
}

// WithRetryBudget caps total retries across all logical requests to
// maxRetries per window.
func WithRetryBudget[T any](maxRetries int, perWindow time.Duration) Option[T] {
	return func(inv *Invoker[T]) {
		inv.budget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics[T any]() Option[T] {
	return func(inv *Invoker[T]) {
		inv.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector, e.g. one on a
// private registry shared between invokers.
func WithMetricsCollector[T any](collector *MetricsCollector) Option[T] {
	return func(inv *Invoker[T]) {
		inv.metrics = collector
	}
}

// WithLogger sets the structured event sink.
func WithLogger[T any](logger Logger) Option[T] {
	return func(inv *Invoker[T]) {
		inv.logger = logger
	}
}

// WithSimpleLogger enables the console logger.
func WithSimpleLogger[T any]() Option[T] {
	return func(inv *Invoker[T]) {
		inv.logger = NewSimpleLogger()
	}
}

// ValidateConfiguration validates the invoker configuration and returns an
// error describing every problem found, or nil.
func (inv *Invoker[T]) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, inv.validateRetryConfig()...)
	problems = append(problems, inv.validateRateLimiterConfig()...)
	problems = append(problems, inv.validateBreakerConfig()...)
	problems = append(problems, inv.validateExtremeValues()...)

	if len(problems) > 0 {
		return &GuardError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}
	return nil
}

func (inv *Invoker[T]) validateRetryConfig() []string {
	var problems []string

	if inv.retry == nil {
		return []string{"retry policy cannot be nil"}
	}
	if inv.retry.maxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if inv.retry.initialDelay <= 0 {
		problems = append(problems, "initialDelay must be positive")
	}
	if inv.retry.maxDelay < inv.retry.initialDelay {
		problems = append(problems, "maxDelay must be greater than or equal to initialDelay")
	}
	if inv.retry.base <= 0 {
		problems = append(problems, "backoff multiplier must be positive")
	}
	return problems
}

func (inv *Invoker[T]) validateRateLimiterConfig() []string {
	var problems []string

	if inv.bucket != nil {
		if inv.bucket.rate <= 0 {
			problems = append(problems, "rate limiter rate must be positive")
		}
		if inv.bucket.capacity <= 0 {
			problems = append(problems, "rate limiter capacity must be positive")
		}
	}
	return problems
}

func (inv *Invoker[T]) validateBreakerConfig() []string {
	var problems []string

	if inv.breaker == nil {
		problems = append(problems, "breaker cannot be nil")
	}
	if cb, ok := inv.breaker.(*CircuitBreaker); ok {
		if cb.config.FailureThreshold <= 0 {
			problems = append(problems, "circuit breaker FailureThreshold must be positive")
		}
		if cb.config.RecoveryTimeout <= 0 {
			problems = append(problems, "circuit breaker RecoveryTimeout must be positive")
		}
		if cb.config.SuccessThreshold <= 0 {
			problems = append(problems, "circuit breaker SuccessThreshold must be positive")
		}
	}
	return problems
}

func (inv *Invoker[T]) validateExtremeValues() []string {
	var problems []string

	if inv.retry != nil {
		if inv.retry.maxRetries > 100 {
			problems = append(problems, "maxRetries > 100 may cause excessive resource usage")
		}
		if inv.retry.initialDelay > 10*time.Minute {
			problems = append(problems, "initialDelay > 10m may cause very long delays")
		}
		if inv.retry.maxDelay > time.Hour {
			problems = append(problems, "maxDelay > 1h may cause extremely long delays")
		}
	}
	if inv.bucket != nil && inv.bucket.capacity > 1e6 {
		problems = append(problems, "rate limiter capacity > 1M is likely a configuration mistake")
	}
	return problems
}
