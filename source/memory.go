package source

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySource is an in-memory RowSource used in tests
type MemorySource struct {
	mu       sync.Mutex
	idCol    string
	tsCol    string
	rows     []Row
	failNext int
	failErr  error
	polls    []time.Time
	closed   bool
}

// NewMemorySource creates an empty source keyed by the given columns
func NewMemorySource(idCol, tsCol string) *MemorySource {
	return &MemorySource{idCol: idCol, tsCol: tsCol}
}

// Insert adds rows, keeping them sorted by watermark then id
func (m *MemorySource) Insert(rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows = append(m.rows, rows...)
	sort.SliceStable(m.rows, func(i, j int) bool {
		ti, tj := m.watermark(m.rows[i]), m.watermark(m.rows[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return m.id(m.rows[i]) < m.id(m.rows[j])
	})
}

// FailNext makes the next n polls return err
func (m *MemorySource) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// PollCalls returns the after values of every Poll call
func (m *MemorySource) PollCalls() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]time.Time, len(m.polls))
	copy(cp, m.polls)
	return cp
}

func (m *MemorySource) Poll(ctx context.Context, after time.Time, limit int) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls = append(m.polls, after)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.failNext > 0 {
		m.failNext--
		return nil, WrapReadError(m.failErr)
	}

	var out []Row
	for _, r := range m.rows {
		wm := m.watermark(r)
		if wm.IsZero() || !wm.After(after) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemorySource) PollAt(ctx context.Context, at time.Time) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Row
	for _, r := range m.rows {
		if m.watermark(r).Equal(at) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MemorySource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MemorySource) watermark(r Row) time.Time {
	f, ok := r.Get(m.tsCol)
	if !ok {
		return time.Time{}
	}
	switch v := f.Value.(type) {
	case time.Time:
		return v
	case string:
		t, _ := ParseTimestamp(v)
		return t
	}
	return time.Time{}
}

func (m *MemorySource) id(r Row) string {
	f, _ := r.Get(m.idCol)
	if s, ok := f.Value.(string); ok {
		return s
	}
	return ""
}
