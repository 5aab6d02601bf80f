package bastion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed is normal operation: calls pass through, failures accumulate.
	StateClosed CircuitState = iota
	// StateOpen rejects calls immediately without invoking the dependency.
	StateOpen
	// StateHalfOpen admits trial calls to test whether the dependency recovered.
	StateHalfOpen
)

// String returns the wire representation used by store-backed breakers.
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

// ParseCircuitState converts the wire representation back to a CircuitState.
func ParseCircuitState(s string) (CircuitState, error) {
	switch s {
	case "closed":
		return StateClosed, nil
	case "open":
		return StateOpen, nil
	case "half_open":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("bastion: unknown circuit state %q", s)
	}
}

// FailurePredicate reports whether an error counts as a dependency failure
// for circuit breaker purposes. Errors it rejects pass through without
// affecting breaker state.
type FailurePredicate func(error) bool

// DefaultFailurePredicate counts every non-nil error except control-flow
// signals: an open-circuit rejection never reaches the dependency, and a
// canceled context says nothing about dependency health.
func DefaultFailurePredicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Breaker is the common contract of the in-process and store-backed circuit
// breakers. Allow admits or rejects a call (rejection is *CircuitOpenError,
// or a store error for the shared variant); every admitted call must be
// followed by exactly one RecordSuccess or RecordFailure.
type Breaker interface {
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context) error
	RecordFailure(ctx context.Context, cause error) error
	State(ctx context.Context) (CircuitState, error)
	Reset(ctx context.Context) error
	Name() string
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in errors, logs and metrics.
	Name string
	// FailureThreshold is the number of consecutive classified failures
	// that trips the breaker open.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before admitting a
	// recovery trial.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive successful trials that
	// closes a half-open breaker.
	SuccessThreshold int
	// FailurePredicate classifies errors as dependency failures. Defaults
	// to DefaultFailurePredicate.
	FailurePredicate FailurePredicate
	// Logger receives state transition events. Optional.
	Logger Logger
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.FailurePredicate == nil {
		c.FailurePredicate = DefaultFailurePredicate
	}
}

// CircuitBreaker is the in-process three-state breaker. All bookkeeping is
// read-check-write under a single mutex; the protected call itself runs
// outside the lock so a slow dependency never stalls unrelated callers.
//
// While half-open it admits at most one in-flight trial at a time:
// additional callers are rejected with *CircuitOpenError (zero remaining
// wait) until the trial completes, so a barely-recovered dependency is not
// flooded.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failures      int
	successes     int
	lastFailure   time.Time
	trialInFlight bool

	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker, applying defaults for zero
// config values (threshold 5, recovery 60s, success threshold 2).
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the breaker's identifier.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

// Allow decides whether a call may proceed. Recovery eligibility is
// evaluated lazily here, at call time: an open breaker whose cooldown has
// elapsed flips to half-open and admits the caller as the trial.
func (cb *CircuitBreaker) Allow(_ context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := cb.now().Sub(cb.lastFailure)
		if elapsed >= cb.config.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			cb.trialInFlight = true
			cb.logInfo("circuit entering half-open for recovery testing", "name", cb.config.Name)
			return nil
		}
		return &CircuitOpenError{Name: cb.config.Name, RemainingWait: cb.config.RecoveryTimeout - elapsed}
	case StateHalfOpen:
		if cb.trialInFlight {
			return &CircuitOpenError{Name: cb.config.Name}
		}
		cb.trialInFlight = true
		return nil
	default:
		return &CircuitOpenError{Name: cb.config.Name}
	}
}

// RecordSuccess observes a successful call. In closed state it clears the
// consecutive-failure count; in half-open it credits the trial and closes
// the circuit once SuccessThreshold trials succeeded.
func (cb *CircuitBreaker) RecordSuccess(_ context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.logInfo("circuit recovery confirmed, closing",
				"name", cb.config.Name, "successes", cb.successes)
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
	return nil
}

// RecordFailure observes a failed call. Errors rejected by the failure
// predicate leave the counters untouched, and an open-circuit rejection is
// never counted regardless of the predicate; either way a half-open trial
// is marked complete, so an unclassified trial outcome frees the slot for a
// later trial instead of latching the breaker.
func (cb *CircuitBreaker) RecordFailure(_ context.Context, cause error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	counted := !errors.Is(cause, ErrCircuitOpen) && cb.config.FailurePredicate(cause)

	switch cb.state {
	case StateClosed:
		if !counted {
			return nil
		}
		cb.lastFailure = cb.now()
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.logWarn("circuit open after consecutive failures",
				"name", cb.config.Name, "failures", cb.failures,
				"recoveryTimeout", cb.config.RecoveryTimeout)
		} else {
			cb.logDebug("circuit failure recorded",
				"name", cb.config.Name, "failures", cb.failures,
				"threshold", cb.config.FailureThreshold)
		}
	case StateHalfOpen:
		cb.trialInFlight = false
		if !counted {
			cb.logDebug("trial ended with unclassified error", "name", cb.config.Name, "error", cause)
			return nil
		}
		// One failed trial is enough: no partial credit.
		cb.lastFailure = cb.now()
		cb.failures++
		cb.successes = 0
		cb.state = StateOpen
		cb.logWarn("circuit re-opened after failed trial", "name", cb.config.Name)
	case StateOpen:
		// Only lastFailure moves; the cooldown restarts.
		if counted {
			cb.lastFailure = cb.now()
		}
	}
	return nil
}

// State returns the current state without evaluating recovery eligibility.
func (cb *CircuitBreaker) State(_ context.Context) (CircuitState, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, nil
}

// Reset forces the breaker closed and zeroes all counters. Operator escape
// hatch; takes effect regardless of current state.
func (cb *CircuitBreaker) Reset(_ context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.trialInFlight = false
	cb.logInfo("circuit manually reset to closed", "name", cb.config.Name)
	return nil
}

func (cb *CircuitBreaker) logDebug(msg string, kv ...interface{}) {
	if cb.config.Logger != nil {
		cb.config.Logger.Debug(msg, kv...)
	}
}

func (cb *CircuitBreaker) logInfo(msg string, kv ...interface{}) {
	if cb.config.Logger != nil {
		cb.config.Logger.Info(msg, kv...)
	}
}

func (cb *CircuitBreaker) logWarn(msg string, kv ...interface{}) {
	if cb.config.Logger != nil {
		cb.config.Logger.Warn(msg, kv...)
	}
}

// Call runs fn under the protection of b: the call is admitted via Allow,
// executed outside any breaker lock, then observed via RecordSuccess or
// RecordFailure. Bookkeeping errors from the store-backed breaker never
// mask fn's own result.
func Call[T any](ctx context.Context, b Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(ctx); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	if err != nil {
		_ = b.RecordFailure(ctx, err)
		return zero, err
	}
	_ = b.RecordSuccess(ctx)
	return v, nil
}
