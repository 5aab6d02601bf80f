package bastion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry(nil)

	a := r.GetOrCreate("payments")
	b := r.GetOrCreate("payments")
	assert.Same(t, a, b, "same name should yield the same breaker instance")
	assert.Equal(t, "payments", a.Name())

	c := r.GetOrCreate("search")
	assert.NotSame(t, a, c)
}

func TestRegistryFactory(t *testing.T) {
	store := NewMemoryStore()
	r := NewRegistry(func(name string) Breaker {
		return NewSharedBreaker(store, SharedBreakerConfig{Name: name, FailureThreshold: 1})
	})

	b := r.GetOrCreate("payments")
	sb, ok := b.(*SharedBreaker)
	require.True(t, ok, "factory should decide the breaker type")
	assert.Equal(t, "payments", sb.Name())
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)

	_, ok := r.Get("payments")
	assert.False(t, ok)

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "payments", FailureThreshold: 3})
	r.Register("payments", cb)

	got, ok := r.Get("payments")
	require.True(t, ok)
	assert.Same(t, Breaker(cb), got)

	// Register replaces an existing breaker.
	other := NewCircuitBreaker(CircuitBreakerConfig{Name: "payments"})
	r.Register("payments", other)
	got, _ = r.Get("payments")
	assert.Same(t, Breaker(other), got)
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry(nil)
	r.GetOrCreate("search")
	r.GetOrCreate("payments")
	r.GetOrCreate("auth")

	assert.Equal(t, []string{"auth", "payments", "search"}, r.Names())
}

func TestRegistryReset(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(func(name string) Breaker {
		return NewCircuitBreaker(CircuitBreakerConfig{Name: name, FailureThreshold: 1})
	})

	b := r.GetOrCreate("payments")
	require.NoError(t, b.RecordFailure(ctx, errDown))
	state, _ := b.State(ctx)
	require.Equal(t, StateOpen, state)

	require.NoError(t, r.Reset(ctx, "payments"))
	state, _ = b.State(ctx)
	assert.Equal(t, StateClosed, state)

	// Resetting an unknown name is a no-op.
	assert.NoError(t, r.Reset(ctx, "unknown"))
}

func TestRegistryResetAll(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(func(name string) Breaker {
		return NewCircuitBreaker(CircuitBreakerConfig{Name: name, FailureThreshold: 1})
	})

	names := []string{"auth", "payments", "search"}
	for _, name := range names {
		require.NoError(t, r.GetOrCreate(name).RecordFailure(ctx, errDown))
	}

	require.NoError(t, r.ResetAll(ctx))
	for _, name := range names {
		b, _ := r.Get(name)
		state, _ := b.State(ctx)
		assert.Equal(t, StateClosed, state, "breaker %s should be closed", name)
	}
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	results := make([]Breaker, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("payments")
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("GetOrCreate deadlocked")
	}

	for i := 1; i < len(results); i++ {
		assert.Same(t, results[0], results[i])
	}
}
