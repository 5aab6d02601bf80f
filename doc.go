// Package bastion provides a composable resilience layer for calls to flaky
// remote dependencies:
//
//   - Circuit breaker (closed / open / half-open states), in-process or
//     backed by a shared state store for multi-process consistency
//   - Retries with exponential backoff + jitter and pluggable error
//     classification
//   - Token bucket rate limiting with burst capacity and blocking or
//     non-blocking consumption
//   - Prometheus metrics and lightweight structured logging
//
// Design goals:
//   - Transport agnostic - the only contract with the protected dependency
//     is a context-aware callable returning (T, error)
//   - Small surface area - functional options configure everything
//   - Safe concurrent use of every component from multiple goroutines
//   - Composable - each primitive is independently useful; Invoker wires
//     them in the recommended order (rate limit -> retry -> breaker per
//     attempt)
//
// Typical usage:
//
//	inv := bastion.NewInvoker[string](
//	    bastion.WithRateLimiter[string](10, 20),
//	    bastion.WithCircuitBreaker[string](bastion.CircuitBreakerConfig{Name: "model-api"}),
//	    bastion.WithMaxRetries[string](3),
//	)
//	out, err := inv.Do(ctx, func(ctx context.Context) (string, error) {
//	    return callModelAPI(ctx)
//	})
//
// An open circuit surfaces *CircuitOpenError with the remaining cooldown, a
// depleted bucket surfaces ErrRateLimited (or ErrWaitTimeout when blocking
// with a deadline), and a terminal dependency failure surfaces unchanged so
// callers can branch on each case. Logging and metrics are side effects and
// never influence control flow.
package bastion
