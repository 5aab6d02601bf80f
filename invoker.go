package bastion

import (
	"context"
	"fmt"
	"time"
)

// Invoker is the guarded call path an application uses for one protected
// dependency: the token bucket gates entry (bounding total attempted call
// volume, retries included), then the retry policy governs re-attempts with
// the circuit breaker wrapping each individual attempt. That order lets the
// breaker see attempt-level health and abort the retry sequence the moment
// it opens, instead of exhausting retries against a known-bad dependency.
//
// An Invoker holds one bucket, one breaker and one retry policy; none owns
// another, and each can be shared with other invokers. Safe for concurrent
// use.
type Invoker[T any] struct {
	name         string
	bucket       *TokenBucket
	blockOnLimit bool
	breaker      Breaker
	retry        *RetryPolicy
	budget       *RetryBudget
	metrics      *MetricsCollector
	logger       Logger

	validationError error
}

// Func is the sole contract required from the protected dependency: a
// context-aware callable returning a value or a typed error.
type Func[T any] func(context.Context) (T, error)

// NewInvoker constructs an Invoker using the provided functional options.
// Best-effort validation is performed; call IsValid / ValidationError for
// errors. Without options the invoker retries up to 3 times behind a
// default breaker, with no rate limiting.
func NewInvoker[T any](options ...Option[T]) *Invoker[T] {
	inv := &Invoker[T]{
		name:         "default",
		blockOnLimit: true,
		retry:        DefaultRetryPolicy(),
	}
	for _, option := range options {
		option(inv)
	}
	if inv.breaker == nil {
		inv.breaker = NewCircuitBreaker(CircuitBreakerConfig{Name: inv.name, Logger: inv.logger})
	}
	if err := inv.ValidateConfiguration(); err != nil {
		inv.validationError = err
	}
	return inv
}

// IsValid reports whether configuration validation passed at construction.
func (inv *Invoker[T]) IsValid() bool {
	return inv.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (inv *Invoker[T]) ValidationError() error {
	return inv.validationError
}

// Breaker returns the invoker's circuit breaker, e.g. for registration in a
// Registry or a manual Reset.
func (inv *Invoker[T]) Breaker() Breaker {
	return inv.breaker
}

// Do executes fn through the full guarded path. The caller receives exactly
// one of: fn's value; *CircuitOpenError; ErrRateLimited (non-blocking mode)
// or ErrWaitTimeout (deadline expired while waiting); ErrRetryBudgetExceeded;
// or fn's own terminal error once retries are exhausted or the error is
// classified non-retryable. Nothing is silently swallowed.
func (inv *Invoker[T]) Do(ctx context.Context, fn Func[T]) (T, error) {
	var zero T
	if inv.validationError != nil {
		return zero, inv.validationError
	}

	start := time.Now()
	inv.metrics.RecordCallStart(inv.name)
	defer inv.metrics.RecordCallEnd(inv.name)

	if err := inv.acquireToken(ctx); err != nil {
		inv.metrics.RecordRateLimitRejection(inv.name)
		inv.metrics.RecordCall(inv.name, "error", time.Since(start))
		inv.metrics.RecordError(inv.name, errorTypeOf(err))
		inv.logWarn("rate limiter rejected call", "name", inv.name, "error", err)
		return zero, err
	}

	var last error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			inv.metrics.RecordRetry(inv.name, attempt)
		}

		if err := inv.breaker.Allow(ctx); err != nil {
			inv.observeBreakerState(ctx)
			inv.metrics.RecordCall(inv.name, "error", time.Since(start))
			inv.metrics.RecordError(inv.name, errorTypeOf(err))
			inv.logWarn("circuit breaker rejected call", "name", inv.name, "attempt", attempt, "error", err)
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			if rerr := inv.breaker.RecordSuccess(ctx); rerr != nil {
				inv.logWarn("breaker bookkeeping failed", "name", inv.name, "error", rerr)
			}
			inv.observeBreakerState(ctx)
			inv.logDebug("call succeeded", "name", inv.name, "attempt", attempt)
			inv.metrics.RecordCall(inv.name, "success", time.Since(start))
			return v, nil
		}

		if rerr := inv.breaker.RecordFailure(ctx, err); rerr != nil {
			inv.logWarn("breaker bookkeeping failed", "name", inv.name, "error", rerr)
		}
		inv.observeBreakerState(ctx)
		last = err

		delay, retryable := inv.retry.ShouldRetry(err, attempt)
		if !retryable {
			break
		}
		if inv.budget != nil && !inv.budget.Allow() {
			inv.metrics.RecordRetryBudgetExceeded(inv.name)
			inv.metrics.RecordCall(inv.name, "error", time.Since(start))
			inv.metrics.RecordError(inv.name, ErrorTypeDependency)
			inv.logWarn("retry budget exceeded", "name", inv.name, "attempt", attempt)
			return zero, fmt.Errorf("%w (last error: %v)", ErrRetryBudgetExceeded, err)
		}

		inv.logInfo("scheduling retry",
			"name", inv.name, "attempt", attempt+1,
			"maxRetries", inv.retry.MaxRetries(), "delay", delay, "error", err)
		if serr := sleepContext(ctx, delay); serr != nil {
			inv.metrics.RecordCall(inv.name, "error", time.Since(start))
			inv.metrics.RecordError(inv.name, ErrorTypeTimeout)
			return zero, serr
		}
	}

	inv.metrics.RecordCall(inv.name, "error", time.Since(start))
	inv.metrics.RecordError(inv.name, errorTypeOf(last))
	inv.logError("call failed", "name", inv.name, "error", last)
	return zero, last
}

// acquireToken applies the rate limiter gate. In blocking mode the wait is
// bounded only by ctx; in non-blocking mode depletion surfaces
// ErrRateLimited immediately.
func (inv *Invoker[T]) acquireToken(ctx context.Context) error {
	if inv.bucket == nil {
		return nil
	}
	defer func() {
		inv.metrics.RecordRateLimiterTokens(inv.name, inv.bucket.Available())
	}()

	if inv.blockOnLimit {
		return inv.bucket.Consume(ctx, 1)
	}
	if !inv.bucket.TryConsume(1) {
		return ErrRateLimited
	}
	return nil
}

func (inv *Invoker[T]) observeBreakerState(ctx context.Context) {
	if inv.metrics == nil {
		return
	}
	if state, err := inv.breaker.State(ctx); err == nil {
		inv.metrics.RecordCircuitBreakerState(inv.breaker.Name(), state)
	}
}

func (inv *Invoker[T]) logDebug(msg string, kv ...interface{}) {
	if inv.logger != nil {
		inv.logger.Debug(msg, kv...)
	}
}

func (inv *Invoker[T]) logInfo(msg string, kv ...interface{}) {
	if inv.logger != nil {
		inv.logger.Info(msg, kv...)
	}
}

func (inv *Invoker[T]) logWarn(msg string, kv ...interface{}) {
	if inv.logger != nil {
		inv.logger.Warn(msg, kv...)
	}
}

func (inv *Invoker[T]) logError(msg string, kv ...interface{}) {
	if inv.logger != nil {
		inv.logger.Error(msg, kv...)
	}
}
