// Package cache holds the small keyed caches owned by services. Nothing in
// here is process-global: every cache is a value created and passed by its
// owner.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache stores values of one type under string keys with an expiry.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T) error
	Delete(ctx context.Context, key string) error
}

type entry[T any] struct {
	value    T
	storedAt time.Time
}

// Memory is an in-process cache. Its zero value is not usable; build it with
// NewMemory.
type Memory[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry[T]
}

func NewMemory[T any](ttl time.Duration) *Memory[T] {
	return &Memory[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry[T]),
	}
}

// WithClock replaces the clock, for tests.
func (m *Memory[T]) WithClock(now func() time.Time) *Memory[T] {
	m.now = now
	return m
}

func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.now().Sub(e.storedAt) >= m.ttl {
		delete(m.entries, key)
		var zero T
		return zero, false, nil
	}
	return e.value, true, nil
}

func (m *Memory[T]) Set(_ context.Context, key string, value T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry[T]{value: value, storedAt: m.now()}
	return nil
}

func (m *Memory[T]) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
