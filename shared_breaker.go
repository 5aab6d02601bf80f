package bastion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// SharedBreakerConfig holds configuration for a store-backed breaker.
// Defaults match CircuitBreakerConfig; KeyPrefix defaults to
// "bastion:breaker".
type SharedBreakerConfig struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	FailurePredicate FailurePredicate
	KeyPrefix        string
	Logger           Logger
}

// SharedBreaker is a circuit breaker whose authoritative state lives in an
// external StateStore, so independent processes observe and mutate one
// logical circuit. Every field is stored under
// <prefix>:<name>:{state,failures,successes,last_failure} and every check
// re-reads the store: the in-process object holds no cached state.
//
// Cross-process read-then-write is not atomic; races can over- or
// under-count by a step. That is acceptable because breaker state is a
// heuristic health signal, not a lock; counters use the store's atomic
// increment to narrow the window. Unlike the in-process breaker, half-open
// trial admission cannot be limited to one in-flight call across processes;
// trials are bounded only by SuccessThreshold completed observations.
type SharedBreaker struct {
	config SharedBreakerConfig
	store  StateStore

	stateKey       string
	failuresKey    string
	successesKey   string
	lastFailureKey string

	now func() time.Time
}

// BreakerStats is a point-in-time snapshot of shared breaker state.
type BreakerStats struct {
	Name        string
	State       CircuitState
	Failures    int64
	Successes   int64
	LastFailure time.Time
}

// NewSharedBreaker creates a breaker backed by store. A missing state key
// reads as closed, so no store round trip happens at construction.
func NewSharedBreaker(store StateStore, config SharedBreakerConfig) *SharedBreaker {
	if config.Name == "" {
		config.Name = "default"
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.FailurePredicate == nil {
		config.FailurePredicate = DefaultFailurePredicate
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "bastion:breaker"
	}

	prefix := config.KeyPrefix + ":" + config.Name
	return &SharedBreaker{
		config:         config,
		store:          store,
		stateKey:       prefix + ":state",
		failuresKey:    prefix + ":failures",
		successesKey:   prefix + ":successes",
		lastFailureKey: prefix + ":last_failure",
		now:            time.Now,
	}
}

// Name returns the breaker's identifier.
func (sb *SharedBreaker) Name() string { return sb.config.Name }

// Allow decides whether a call may proceed based on the state in the store.
// Store errors propagate wrapped: without a readable state the breaker
// cannot admit safely.
func (sb *SharedBreaker) Allow(ctx context.Context) error {
	state, err := sb.getState(ctx)
	if err != nil {
		return fmt.Errorf("bastion: read circuit state: %w", err)
	}
	if state != StateOpen {
		return nil
	}

	last, ok, err := sb.getLastFailure(ctx)
	if err != nil {
		return fmt.Errorf("bastion: read circuit state: %w", err)
	}
	if ok && sb.now().Sub(last) >= sb.config.RecoveryTimeout {
		if err := sb.setState(ctx, StateHalfOpen); err != nil {
			return fmt.Errorf("bastion: update circuit state: %w", err)
		}
		if err := sb.setCounter(ctx, sb.successesKey, 0); err != nil {
			return fmt.Errorf("bastion: update circuit state: %w", err)
		}
		sb.logInfo("circuit entering half-open (shared state)", "name", sb.config.Name)
		return nil
	}

	remaining := time.Duration(0)
	if ok {
		remaining = sb.config.RecoveryTimeout - sb.now().Sub(last)
	}
	return &CircuitOpenError{Name: sb.config.Name, RemainingWait: remaining}
}

// RecordSuccess observes a successful call. The state is re-read first: a
// concurrent process may have moved the circuit since Allow.
func (sb *SharedBreaker) RecordSuccess(ctx context.Context) error {
	state, err := sb.getState(ctx)
	if err != nil {
		return fmt.Errorf("bastion: record success: %w", err)
	}

	if state == StateHalfOpen {
		successes, err := sb.store.Incr(ctx, sb.successesKey)
		if err != nil {
			return fmt.Errorf("bastion: record success: %w", err)
		}
		if successes >= int64(sb.config.SuccessThreshold) {
			if err := sb.setState(ctx, StateClosed); err != nil {
				return fmt.Errorf("bastion: record success: %w", err)
			}
			if err := sb.setCounter(ctx, sb.failuresKey, 0); err != nil {
				return fmt.Errorf("bastion: record success: %w", err)
			}
			sb.logInfo("circuit closed after successful trials (shared state)",
				"name", sb.config.Name, "successes", successes)
		}
		return nil
	}

	return sb.setCounter(ctx, sb.failuresKey, 0)
}

// RecordFailure observes a failed call, using the store's atomic increment
// for the failure counter.
func (sb *SharedBreaker) RecordFailure(ctx context.Context, cause error) error {
	if errors.Is(cause, ErrCircuitOpen) {
		return nil
	}
	if !sb.config.FailurePredicate(cause) {
		return nil
	}

	failures, err := sb.store.Incr(ctx, sb.failuresKey)
	if err != nil {
		return fmt.Errorf("bastion: record failure: %w", err)
	}
	if err := sb.setLastFailure(ctx, sb.now()); err != nil {
		return fmt.Errorf("bastion: record failure: %w", err)
	}
	if err := sb.setCounter(ctx, sb.successesKey, 0); err != nil {
		return fmt.Errorf("bastion: record failure: %w", err)
	}

	if failures >= int64(sb.config.FailureThreshold) {
		if err := sb.setState(ctx, StateOpen); err != nil {
			return fmt.Errorf("bastion: record failure: %w", err)
		}
		sb.logWarn("circuit open (shared state)",
			"name", sb.config.Name, "failures", failures)
	} else {
		sb.logDebug("circuit failure recorded (shared state)",
			"name", sb.config.Name, "failures", failures,
			"threshold", sb.config.FailureThreshold)
	}
	return nil
}

// State returns the current state from the store.
func (sb *SharedBreaker) State(ctx context.Context) (CircuitState, error) {
	return sb.getState(ctx)
}

// Reset forces the circuit closed for every process sharing the store.
func (sb *SharedBreaker) Reset(ctx context.Context) error {
	if err := sb.setState(ctx, StateClosed); err != nil {
		return fmt.Errorf("bastion: reset circuit: %w", err)
	}
	if err := sb.setCounter(ctx, sb.failuresKey, 0); err != nil {
		return fmt.Errorf("bastion: reset circuit: %w", err)
	}
	if err := sb.setCounter(ctx, sb.successesKey, 0); err != nil {
		return fmt.Errorf("bastion: reset circuit: %w", err)
	}
	sb.logInfo("circuit manually reset (shared state)", "name", sb.config.Name)
	return nil
}

// Stats returns a snapshot of the breaker's shared state.
func (sb *SharedBreaker) Stats(ctx context.Context) (BreakerStats, error) {
	stats := BreakerStats{Name: sb.config.Name}

	state, err := sb.getState(ctx)
	if err != nil {
		return stats, err
	}
	stats.State = state

	stats.Failures, err = sb.getCounter(ctx, sb.failuresKey)
	if err != nil {
		return stats, err
	}
	stats.Successes, err = sb.getCounter(ctx, sb.successesKey)
	if err != nil {
		return stats, err
	}

	last, ok, err := sb.getLastFailure(ctx)
	if err != nil {
		return stats, err
	}
	if ok {
		stats.LastFailure = last
	}
	return stats, nil
}

func (sb *SharedBreaker) getState(ctx context.Context) (CircuitState, error) {
	val, ok, err := sb.store.Get(ctx, sb.stateKey)
	if err != nil {
		return StateClosed, err
	}
	if !ok {
		return StateClosed, nil
	}
	return ParseCircuitState(val)
}

func (sb *SharedBreaker) setState(ctx context.Context, state CircuitState) error {
	return sb.store.Set(ctx, sb.stateKey, state.String(), 0)
}

func (sb *SharedBreaker) getCounter(ctx context.Context, key string) (int64, error) {
	val, ok, err := sb.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (sb *SharedBreaker) setCounter(ctx context.Context, key string, n int64) error {
	return sb.store.Set(ctx, key, strconv.FormatInt(n, 10), 0)
}

func (sb *SharedBreaker) getLastFailure(ctx context.Context) (time.Time, bool, error) {
	val, ok, err := sb.store.Get(ctx, sb.lastFailureKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	seconds, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, int64(seconds*float64(time.Second))), true, nil
}

func (sb *SharedBreaker) setLastFailure(ctx context.Context, t time.Time) error {
	seconds := float64(t.UnixNano()) / float64(time.Second)
	return sb.store.Set(ctx, sb.lastFailureKey, strconv.FormatFloat(seconds, 'f', 6, 64), 0)
}

func (sb *SharedBreaker) logDebug(msg string, kv ...interface{}) {
	if sb.config.Logger != nil {
		sb.config.Logger.Debug(msg, kv...)
	}
}

func (sb *SharedBreaker) logInfo(msg string, kv ...interface{}) {
	if sb.config.Logger != nil {
		sb.config.Logger.Info(msg, kv...)
	}
}

func (sb *SharedBreaker) logWarn(msg string, kv ...interface{}) {
	if sb.config.Logger != nil {
		sb.config.Logger.Warn(msg, kv...)
	}
}
