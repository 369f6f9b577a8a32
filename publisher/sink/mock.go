package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tailbridge/cfg"
	"github.com/maxpert/tailbridge/publisher"
)

func init() {
	publisher.RegisterSink("mock", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink is an in-memory Sink for testing
type MockSink struct {
	Messages   []publisher.Message
	PublishErr error         // returned by every publish when set
	Delay      time.Duration // simulated broker latency
	mu         sync.Mutex

	failNext int
	failErr  error
	failKeys map[string]int

	seq         atomic.Uint64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	attempts    atomic.Int64
	closed      atomic.Bool
}

// FailNext makes the next n publishes fail with err
func (m *MockSink) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// FailKey makes the next n publishes of key fail with err
func (m *MockSink) FailKey(key string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys == nil {
		m.failKeys = make(map[string]int)
	}
	m.failKeys[key] = n
	m.failErr = err
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(ctx context.Context, msg publisher.Message) (string, error) {
	m.attempts.Add(1)
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		prev := m.maxInFlight.Load()
		if cur <= prev || m.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", publisher.Transient(ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return "", m.PublishErr
	}
	if m.failNext > 0 {
		m.failNext--
		return "", m.failErr
	}
	if n := m.failKeys[msg.Key]; n > 0 {
		m.failKeys[msg.Key] = n - 1
		return "", m.failErr
	}

	m.Messages = append(m.Messages, msg)
	return fmt.Sprintf("mock-%d", m.seq.Add(1)), nil
}

// Published returns a copy of the recorded messages
func (m *MockSink) Published() []publisher.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publisher.Message, len(m.Messages))
	copy(cp, m.Messages)
	return cp
}

// Attempts returns the number of Publish calls
func (m *MockSink) Attempts() int {
	return int(m.attempts.Load())
}

// MaxInFlight returns the highest number of concurrent Publish calls observed
func (m *MockSink) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	return m.closed.Load()
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
