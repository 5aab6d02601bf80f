package bastion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var errDown = errors.New("dependency down")

func newTestBreaker(config CircuitBreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(config)
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestNewCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.config.Name != "default" {
		t.Errorf("Expected default name, got %q", cb.config.Name)
	}
	if cb.config.FailureThreshold != 5 {
		t.Errorf("Expected default FailureThreshold=5, got %d", cb.config.FailureThreshold)
	}
	if cb.config.RecoveryTimeout != 60*time.Second {
		t.Errorf("Expected default RecoveryTimeout=60s, got %v", cb.config.RecoveryTimeout)
	}
	if cb.config.SuccessThreshold != 2 {
		t.Errorf("Expected default SuccessThreshold=2, got %d", cb.config.SuccessThreshold)
	}
	if cb.state != StateClosed {
		t.Errorf("Expected initial state=closed, got %v", cb.state)
	}
}

func TestThresholdTrip(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	// Exactly k consecutive failures trip the breaker; each call before
	// the trip is still admitted.
	for i := 0; i < 3; i++ {
		if err := cb.Allow(ctx); err != nil {
			t.Fatalf("Expected call %d admitted while closed, got %v", i+1, err)
		}
		cb.RecordFailure(ctx, errDown)
	}

	err := cb.Allow(ctx)
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected CircuitOpenError after threshold failures, got %v", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected errors.Is(err, ErrCircuitOpen) to match")
	}
	if openErr.RemainingWait <= 0 {
		t.Errorf("Expected remaining wait in the rejection, got %v", openErr.RemainingWait)
	}
}

func TestSingleSuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	cb.RecordFailure(ctx, errDown)
	cb.RecordFailure(ctx, errDown)
	cb.RecordSuccess(ctx)

	if cb.failures != 0 {
		t.Errorf("Expected one success to clear the failure count, got %d", cb.failures)
	}

	// Another k-1 failures alone must not trip the breaker.
	cb.RecordFailure(ctx, errDown)
	cb.RecordFailure(ctx, errDown)
	if err := cb.Allow(ctx); err != nil {
		t.Errorf("Expected breaker still closed after non-consecutive failures, got %v", err)
	}
}

func TestRecoveryEligibility(t *testing.T) {
	ctx := context.Background()
	cb, now := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  5 * time.Second,
	})

	cb.RecordFailure(ctx, errDown)
	cb.RecordFailure(ctx, errDown)
	if cb.state != StateOpen {
		t.Fatalf("Expected open state, got %v", cb.state)
	}

	// Before the timeout every call is rejected without touching fn.
	*now = now.Add(3 * time.Second)
	var openErr *CircuitOpenError
	if err := cb.Allow(ctx); !errors.As(err, &openErr) {
		t.Fatalf("Expected rejection before recovery timeout, got %v", err)
	}
	if want := 2 * time.Second; openErr.RemainingWait != want {
		t.Errorf("Expected remaining wait %v, got %v", want, openErr.RemainingWait)
	}

	// After the timeout the next call is admitted as the half-open trial.
	*now = now.Add(2 * time.Second)
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("Expected trial call admitted after recovery timeout, got %v", err)
	}
	if cb.state != StateHalfOpen {
		t.Errorf("Expected half-open state, got %v", cb.state)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb, now := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 3,
	})

	cb.RecordFailure(ctx, errDown)
	cb.RecordFailure(ctx, errDown)
	*now = now.Add(time.Second)

	// First trial succeeds, second fails: one failure is enough to re-open,
	// no partial credit for the earlier success.
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("Expected first trial admitted, got %v", err)
	}
	cb.RecordSuccess(ctx)
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("Expected second trial admitted, got %v", err)
	}
	cb.RecordFailure(ctx, errDown)

	if cb.state != StateOpen {
		t.Errorf("Expected re-opened circuit after failed trial, got %v", cb.state)
	}
	if cb.successes != 0 {
		t.Errorf("Expected success count reset, got %d", cb.successes)
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	ctx := context.Background()
	cb, now := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 2,
	})

	cb.RecordFailure(ctx, errDown)
	cb.RecordFailure(ctx, errDown)
	*now = now.Add(time.Second)

	for i := 0; i < 2; i++ {
		if err := cb.Allow(ctx); err != nil {
			t.Fatalf("Expected trial %d admitted, got %v", i+1, err)
		}
		cb.RecordSuccess(ctx)
	}

	if cb.state != StateClosed {
		t.Errorf("Expected closed circuit after successful trials, got %v", cb.state)
	}
	if cb.failures != 0 {
		t.Errorf("Expected failure count zeroed on close, got %d", cb.failures)
	}
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	ctx := context.Background()
	cb, now := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 2,
	})

	cb.RecordFailure(ctx, errDown)
	*now = now.Add(time.Second)

	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("Expected first trial admitted, got %v", err)
	}
	// A second caller during the in-flight trial is rejected.
	if err := cb.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected concurrent trial rejected, got %v", err)
	}

	cb.RecordSuccess(ctx)
	if err := cb.Allow(ctx); err != nil {
		t.Errorf("Expected next trial admitted once the first completed, got %v", err)
	}
}

func TestHalfOpenTrialCanceledContextFreesSlot(t *testing.T) {
	ctx := context.Background()
	cb, now := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 1,
	})

	cb.RecordFailure(ctx, errDown)
	*now = now.Add(time.Second)
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("Expected trial admitted, got %v", err)
	}

	// The caller cancels mid-trial: the default predicate does not count
	// cancellation, but the trial is still over and the slot must free up.
	cb.RecordFailure(ctx, fmt.Errorf("calling upstream: %w", context.Canceled))

	if cb.state != StateHalfOpen {
		t.Fatalf("Expected breaker still half-open, got %v", cb.state)
	}
	*now = now.Add(time.Hour)
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("Expected a later trial admitted, got %v", err)
	}
	cb.RecordSuccess(ctx)
	if cb.state != StateClosed {
		t.Errorf("Expected recovery to complete, got %v", cb.state)
	}
}

func TestHalfOpenTrialUnclassifiedErrorFreesSlot(t *testing.T) {
	ctx := context.Background()
	errIgnored := errors.New("not a dependency failure")
	cb, now := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 1,
		FailurePredicate: func(err error) bool { return errors.Is(err, errDown) },
	})

	cb.RecordFailure(ctx, errDown)
	*now = now.Add(time.Second)
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("Expected trial admitted, got %v", err)
	}

	failuresBefore := cb.failures
	cb.RecordFailure(ctx, errIgnored)

	if cb.state != StateHalfOpen {
		t.Fatalf("Expected unclassified trial outcome to leave state half-open, got %v", cb.state)
	}
	if cb.failures != failuresBefore {
		t.Errorf("Expected failure count untouched, got %d", cb.failures)
	}
	if cb.trialInFlight {
		t.Error("Expected the trial slot released")
	}
	if err := cb.Allow(ctx); err != nil {
		t.Errorf("Expected the next trial admitted, got %v", err)
	}
}

func TestFailurePredicateFiltersErrors(t *testing.T) {
	ctx := context.Background()
	errIgnored := errors.New("not a dependency failure")
	cb, _ := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		FailurePredicate: func(err error) bool { return errors.Is(err, errDown) },
	})

	cb.RecordFailure(ctx, errIgnored)
	if cb.state != StateClosed || cb.failures != 0 {
		t.Errorf("Expected unclassified error to leave breaker untouched, state=%v failures=%d", cb.state, cb.failures)
	}

	cb.RecordFailure(ctx, errDown)
	if cb.state != StateOpen {
		t.Errorf("Expected classified failure to trip breaker, got %v", cb.state)
	}
}

func TestCircuitOpenErrorNeverRecorded(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		FailurePredicate: func(error) bool { return true },
	})

	// Even with a match-everything predicate, an open-circuit rejection is
	// a control-flow signal, not a dependency failure.
	cb.RecordFailure(ctx, &CircuitOpenError{Name: "other"})
	if cb.state != StateClosed || cb.failures != 0 {
		t.Errorf("Expected CircuitOpenError ignored, state=%v failures=%d", cb.state, cb.failures)
	}
}

func TestContextErrorsNotFailuresByDefault(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1})

	cb.RecordFailure(ctx, context.Canceled)
	cb.RecordFailure(ctx, context.DeadlineExceeded)
	if cb.state != StateClosed {
		t.Errorf("Expected cancellation to leave breaker closed, got %v", cb.state)
	}
}

func TestManualReset(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1})

	cb.RecordFailure(ctx, errDown)
	if cb.state != StateOpen {
		t.Fatalf("Expected open state, got %v", cb.state)
	}

	cb.Reset(ctx)
	if cb.state != StateClosed || cb.failures != 0 || cb.successes != 0 {
		t.Errorf("Expected reset to closed with zeroed counters, state=%v failures=%d successes=%d",
			cb.state, cb.failures, cb.successes)
	}
	if err := cb.Allow(ctx); err != nil {
		t.Errorf("Expected calls admitted after reset, got %v", err)
	}
}

func TestCallRecordsOutcomes(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 2})

	v, err := Call(ctx, cb, func(context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("Expected (42, nil), got (%d, %v)", v, err)
	}

	_, err = Call(ctx, cb, func(context.Context) (int, error) { return 0, errDown })
	if !errors.Is(err, errDown) {
		t.Errorf("Expected dependency error to propagate, got %v", err)
	}
	if cb.failures != 1 {
		t.Errorf("Expected 1 recorded failure, got %d", cb.failures)
	}
}

func TestCallRejectedWithoutInvokingFn(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	cb.RecordFailure(ctx, errDown)

	calls := 0
	_, err := Call(ctx, cb, func(context.Context) (int, error) {
		calls++
		return 0, nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected CircuitOpenError, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected the dependency never invoked while open, got %d calls", calls)
	}
}

func TestRecoveryScenario(t *testing.T) {
	// failureThreshold=3, recoveryTimeout=5s, successThreshold=2: trip with
	// three failures, wait out the cooldown, then close with two successes.
	ctx := context.Background()
	cb, now := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  5 * time.Second,
		SuccessThreshold: 2,
	})

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx, errDown)
	}
	if err := cb.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected 4th call rejected, got %v", err)
	}

	*now = now.Add(5 * time.Second)
	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("Expected trial admitted after cooldown, got %v", err)
	}
	cb.RecordSuccess(ctx)
	if cb.state != StateHalfOpen {
		t.Fatalf("Expected half-open after first success, got %v", cb.state)
	}

	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("Expected second trial admitted, got %v", err)
	}
	cb.RecordSuccess(ctx)
	if cb.state != StateClosed {
		t.Errorf("Expected closed after second success, got %v", cb.state)
	}
	if cb.failures != 0 {
		t.Errorf("Expected failureCount=0 after recovery, got %d", cb.failures)
	}
}

func TestCircuitStateString(t *testing.T) {
	cases := map[CircuitState]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
		parsed, err := ParseCircuitState(want)
		if err != nil || parsed != state {
			t.Errorf("Expected ParseCircuitState(%q) = %v, got (%v, %v)", want, state, parsed, err)
		}
	}

	if _, err := ParseCircuitState("bogus"); err == nil {
		t.Error("Expected error for unknown state string")
	}
}
