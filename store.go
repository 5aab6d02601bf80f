package bastion

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// StateStore is the minimal key-value contract a shared circuit breaker
// needs: plain scalar values, optional expiry, and an atomic increment for
// counters. Implementations must be safe for concurrent use.
type StateStore interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the integer at key, creating it at zero
	// first if absent, and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Del removes the given keys.
	Del(ctx context.Context, keys ...string) error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a process-local StateStore backed by a mutex-guarded map.
// Useful in tests and single-process deployments; expired entries are
// dropped lazily on read.
type MemoryStore struct {
	mu    sync.Mutex
	store map[string]memoryEntry

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		store: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// Get retrieves a value.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.store[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.store, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores a value with optional expiry.
func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.store[key] = entry
	return nil
}

// Incr atomically increments the integer stored at key.
func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if entry, ok := m.store[key]; ok && (entry.expiresAt.IsZero() || m.now().Before(entry.expiresAt)) {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	m.store[key] = memoryEntry{value: strconv.FormatInt(n, 10)}
	return n, nil
}

// Exists reports whether key is present and unexpired.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Del removes keys.
func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.store, key)
	}
	return nil
}
