package bastion

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("bastion: circuit open")

	// ErrRateLimited is returned when a non-blocking token consume is denied.
	ErrRateLimited = errors.New("bastion: rate limited")

	// ErrWaitTimeout is returned when a caller-supplied deadline expires
	// while waiting on the rate limiter or on a retry backoff.
	ErrWaitTimeout = errors.New("bastion: timed out waiting")

	// ErrRetryBudgetExceeded is returned when the shared retry budget is exhausted.
	ErrRetryBudgetExceeded = errors.New("bastion: retry budget exceeded")

	// ErrTooManyTokens is returned when more tokens are requested than the
	// bucket can ever hold. The request can never succeed, so it is rejected
	// upfront instead of waiting forever.
	ErrTooManyTokens = errors.New("bastion: requested tokens exceed bucket capacity")
)

// Error type labels used in GuardError and metrics.
const (
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeRateLimit   = "RateLimit"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeDependency  = "Dependency"
	ErrorTypeValidation  = "Validation"
)

// CircuitOpenError reports a call rejected by an open circuit breaker.
// RemainingWait is how long until the breaker becomes eligible for a
// recovery trial; it is zero when the breaker is half-open and a trial is
// already in flight.
type CircuitOpenError struct {
	Name          string
	RemainingWait time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.RemainingWait > 0 {
		return fmt.Sprintf("bastion: circuit %q is open, retry in %.1fs", e.Name, e.RemainingWait.Seconds())
	}
	return fmt.Sprintf("bastion: circuit %q is open", e.Name)
}

// Is makes errors.Is(err, ErrCircuitOpen) match any CircuitOpenError.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// GuardError carries a typed error with optional cause, used for
// configuration validation and other library-originated failures.
type GuardError struct {
	Type    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *GuardError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("bastion: %s: %s (%v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("bastion: %s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *GuardError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *GuardError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*GuardError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// IsTransient is the default retry classifier: it reports whether err
// represents a failure that might succeed on re-attempt. Control-flow
// signals (open circuit, wait timeouts, context cancellation) are never
// transient; everything else is presumed retryable, matching the behavior
// of a dependency whose error taxonomy is unknown. Supply a narrower
// classifier when the dependency's errors can be told apart.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrWaitTimeout) || errors.Is(err, ErrRateLimited) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// errorTypeOf maps an error to its metrics label.
func errorTypeOf(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorTypeCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ErrorTypeRateLimit
	case errors.Is(err, ErrWaitTimeout):
		return ErrorTypeTimeout
	default:
		return ErrorTypeDependency
	}
}
