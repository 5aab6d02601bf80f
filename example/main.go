package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/ambiyansyah-risyal/bastion"
)

var errUpstream = errors.New("upstream unavailable")

// flakyCall simulates a generative-model API that fails 60% of the time.
func flakyCall(_ context.Context) (string, error) {
	if rand.Float64() < 0.6 {
		return "", errUpstream
	}
	return "completion text", nil
}

func main() {
	inv := bastion.NewInvoker[string](
		bastion.WithName[string]("model-api"),
		bastion.WithSimpleLogger[string](),
		bastion.WithRateLimiter[string](5, 10),
		bastion.WithCircuitBreaker[string](bastion.CircuitBreakerConfig{
			Name:             "model-api",
			FailureThreshold: 3,
			RecoveryTimeout:  5 * time.Second,
			SuccessThreshold: 2,
		}),
		bastion.WithMaxRetries[string](2),
		bastion.WithInitialDelay[string](100*time.Millisecond),
		bastion.WithMetrics[string](),
	)

	for i := 1; i <= 15; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		out, err := inv.Do(ctx, flakyCall)
		cancel()

		switch {
		case err == nil:
			fmt.Printf("request %2d: %s\n", i, out)
		case errors.Is(err, bastion.ErrCircuitOpen):
			var openErr *bastion.CircuitOpenError
			errors.As(err, &openErr)
			fmt.Printf("request %2d: service recovering, retry in %.1fs\n", i, openErr.RemainingWait.Seconds())
		case errors.Is(err, bastion.ErrRateLimited), errors.Is(err, bastion.ErrWaitTimeout):
			fmt.Printf("request %2d: please slow down (%v)\n", i, err)
		default:
			fmt.Printf("request %2d: failed: %v\n", i, err)
		}

		time.Sleep(300 * time.Millisecond)
	}
}
