package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests. It keeps every saved value.
type MemoryStore struct {
	mu      sync.Mutex
	last    time.Time
	set     bool
	history []time.Time
	saveErr error
}

// NewMemoryStore creates a store, optionally seeded with a checkpoint
func NewMemoryStore(initial ...time.Time) *MemoryStore {
	m := &MemoryStore{}
	if len(initial) > 0 && !initial[0].IsZero() {
		m.last = initial[0].UTC()
		m.set = true
	}
	return m
}

func (m *MemoryStore) Load(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.set, nil
}

func (m *MemoryStore) Save(ctx context.Context, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	ts = ts.UTC()
	if ts.Before(m.last) {
		return fmt.Errorf("%w: %s < %s", ErrCheckpointRegression, ts, m.last)
	}
	if m.set && ts.Equal(m.last) {
		return nil
	}

	m.last = ts
	m.set = true
	m.history = append(m.history, ts)
	return nil
}

// FailSaves makes every Save return err until called with nil
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// History returns every value that was saved, in order
func (m *MemoryStore) History() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]time.Time, len(m.history))
	copy(cp, m.history)
	return cp
}

func (m *MemoryStore) Close() error {
	return nil
}
