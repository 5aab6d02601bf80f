package bastion

import (
	"context"
	"sync/atomic"
	"time"

	internalbackoff "github.com/ambiyansyah-risyal/bastion/internal/backoff"
)

// Classifier reports whether an error is transient and worth retrying.
type Classifier func(error) bool

// BackoffStrategy selects the algorithm used to space out retries.
type BackoffStrategy int

const (
	// ExponentialJitter grows delays exponentially and multiplies each by a
	// uniform factor in [0.5, 1.0). The default.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter draws each delay uniformly between the initial
	// delay and an exponentially growing upper bound (AWS style).
	DecorrelatedJitter
)

// RetryPolicy wraps a single call attempt with bounded re-attempts using
// exponential backoff and jitter. A policy holds no per-call state and is
// safe to share across goroutines.
type RetryPolicy struct {
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	base         float64
	jitter       bool
	classifier   Classifier
	calculator   *internalbackoff.Calculator
}

// NewRetryPolicy creates a retry policy. maxRetries bounds re-attempts, so
// maxRetries=3 allows up to 4 total invocations. Errors are classified with
// IsTransient unless SetClassifier installs a narrower predicate.
func NewRetryPolicy(maxRetries int, initialDelay, maxDelay time.Duration, base float64, jitter bool) *RetryPolicy {
	return &RetryPolicy{
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		base:         base,
		jitter:       jitter,
		classifier:   IsTransient,
		calculator:   internalbackoff.Exponential(),
	}
}

// NewRetryPolicyWithStrategy creates a retry policy with a specific backoff
// strategy.
func NewRetryPolicyWithStrategy(maxRetries int, initialDelay, maxDelay time.Duration, base float64, jitter bool, strategy BackoffStrategy) *RetryPolicy {
	p := NewRetryPolicy(maxRetries, initialDelay, maxDelay, base, jitter)
	if strategy == DecorrelatedJitter {
		p.calculator = internalbackoff.Decorrelated()
	}
	return p
}

// DefaultRetryPolicy returns the stock policy: 3 retries, 1s initial delay
// doubling up to 60s, jitter enabled.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(3, time.Second, 60*time.Second, 2.0, true)
}

// SetClassifier replaces the retryable-error predicate. A nil fn restores
// IsTransient.
func (p *RetryPolicy) SetClassifier(fn Classifier) {
	if fn == nil {
		fn = IsTransient
	}
	p.classifier = fn
}

// MaxRetries returns the configured retry bound.
func (p *RetryPolicy) MaxRetries() int { return p.maxRetries }

// ShouldRetry reports whether the attempt with the given zero-based index
// may be re-tried after err, and if so after what delay. Nil errors,
// non-retryable errors and exhausted budgets all return false.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.maxRetries {
		return 0, false
	}
	if !p.classifier(err) {
		return 0, false
	}
	return p.calculator.Calculate(attempt, p.initialDelay, p.maxDelay, p.base, p.jitter), true
}

// Do runs fn, re-attempting on retryable errors until success, a
// non-retryable error, exhausted retries, or ctx expiry during a backoff
// wait (surfaced as ErrWaitTimeout). The terminal dependency error is
// returned unchanged.
func (p *RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	var last error
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err

		delay, retryable := p.ShouldRetry(err, attempt)
		if !retryable {
			return last
		}
		if serr := sleepContext(ctx, delay); serr != nil {
			return serr
		}
	}
}

// RetryBudget caps the total number of retries across all logical requests
// within a sliding window, preventing retry storms from multiplying load on
// an already-struggling dependency. Lock-free; safe for concurrent use.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a budget allowing maxRetries retries per window.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow reports whether another retry fits in the current window, consuming
// one unit of budget when it does.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// Stats returns the budget consumed in the current window, the cap, and the
// window start time.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
