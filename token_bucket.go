package bastion

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxConsumeWait caps each blocking sleep so concurrent consumers re-check
// availability frequently instead of overshooting their wake-up time.
const maxConsumeWait = 100 * time.Millisecond

// TokenBucket is a thread-safe token bucket rate limiter. Tokens accrue at a
// fixed rate up to a burst capacity; each call consumes tokens. Refill is
// lazy: tokens are recomputed from elapsed time on every access, so no
// background goroutine is needed.
//
// The mutex is held only for the refill+check+deduct step, never across a
// blocking sleep. There is no FIFO guarantee across blocked consumers;
// starvation under sustained overload is possible.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	rate       float64
	capacity   float64
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket creates a bucket that refills at rate tokens per second up
// to capacity. A capacity <= 0 defaults to rate (no extra burst allowance).
// The bucket starts full.
func NewTokenBucket(rate, capacity float64) *TokenBucket {
	if capacity <= 0 {
		capacity = rate
	}
	tb := &TokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		now:      time.Now,
	}
	tb.lastRefill = tb.now()
	return tb
}

// refill credits tokens for elapsed time. Caller must hold the lock.
func (tb *TokenBucket) refill() {
	now := tb.now()
	if tb.rate > 0 {
		elapsed := now.Sub(tb.lastRefill).Seconds()
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.rate)
	}
	tb.lastRefill = now
}

// TryConsume attempts to take n tokens without blocking. It returns false
// when the bucket holds fewer than n tokens, or when n exceeds capacity and
// could therefore never be satisfied.
func (tb *TokenBucket) TryConsume(n float64) bool {
	if n > tb.capacity {
		return false
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Consume takes n tokens, blocking until they are available or ctx is done.
// A request that can never be satisfied fails immediately with
// ErrTooManyTokens rather than waiting on an unreachable threshold: n
// exceeding capacity, or a shortfall on a bucket whose rate is not positive
// and therefore never refills. Cancellation or deadline expiry surfaces as
// ErrWaitTimeout.
func (tb *TokenBucket) Consume(ctx context.Context, n float64) error {
	if n > tb.capacity {
		return fmt.Errorf("%w: need %.2f, capacity %.2f", ErrTooManyTokens, n, tb.capacity)
	}

	for {
		tb.mu.Lock()
		tb.refill()
		if tb.tokens >= n {
			tb.tokens -= n
			tb.mu.Unlock()
			return nil
		}
		short := n - tb.tokens
		tb.mu.Unlock()

		if tb.rate <= 0 {
			return fmt.Errorf("%w: need %.2f more, bucket does not refill", ErrTooManyTokens, short)
		}
		wait := maxConsumeWait
		if need := time.Duration(short / tb.rate * float64(time.Second)); need < wait {
			wait = need
		}
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
}

// Available returns the current token count after refill.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Rate returns the refill rate in tokens per second.
func (tb *TokenBucket) Rate() float64 { return tb.rate }

// Capacity returns the maximum number of tokens the bucket can hold.
func (tb *TokenBucket) Capacity() float64 { return tb.capacity }

// sleepContext sleeps for d or until ctx is done, whichever comes first.
// Context expiry is reported as ErrWaitTimeout wrapping the context error.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrWaitTimeout, err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWaitTimeout, ctx.Err())
	}
}
