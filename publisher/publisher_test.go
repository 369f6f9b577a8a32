package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/tailbridge/cfg"
)

type mockSink struct {
	mu        sync.Mutex
	messages  []Message
	failCount atomic.Int32 // Number of times to fail before succeeding
	failErr   error
	calls     atomic.Int32
	block     chan struct{}
	closed    atomic.Bool
}

func (m *mockSink) Publish(ctx context.Context, msg Message) (string, error) {
	n := m.calls.Add(1)

	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return "", Transient(ctx.Err())
		}
	}

	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return "", m.failErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return fmt.Sprintf("id-%d", n), nil
}

func (m *mockSink) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockSink) getMessages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Message, len(m.messages))
	copy(result, m.messages)
	return result
}

func fastConfig() Config {
	return Config{
		Topic:        "orders",
		MaxRetries:   3,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, fastConfig())
	assert.Error(t, err)

	_, err = New(&mockSink{}, Config{})
	assert.Error(t, err)

	p, err := New(&mockSink{}, Config{Topic: "t", MaxRetries: -1})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, p.config.MaxRetries)
	assert.Equal(t, DefaultRetryInitial, p.config.RetryInitial)
	assert.Equal(t, DefaultRetryMax, p.config.RetryMax)
	assert.Equal(t, DefaultRetryMultiplier, p.config.RetryMultiplier)
	assert.Equal(t, DefaultPublishTimeout, p.config.PublishTimeout)
}

func TestPublish_Success(t *testing.T) {
	sink := &mockSink{}
	p, err := New(sink, fastConfig())
	require.NoError(t, err)

	attrs := map[string]string{"tailbridge.uuid": "row-1"}
	id, err := p.Publish(context.Background(), []byte("payload"), attrs, "key-1").Get()
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)

	msgs := sink.getMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "orders", msgs[0].Topic)
	assert.Equal(t, "key-1", msgs[0].Key)
	assert.Equal(t, attrs, msgs[0].Attributes)
	assert.Empty(t, msgs[0].OrderingKey)
}

func TestPublish_OrderingKey(t *testing.T) {
	sink := &mockSink{}
	config := fastConfig()
	config.OrderingAttribute = "tailbridge.uuid"
	p, err := New(sink, config)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), nil, map[string]string{"tailbridge.uuid": "row-7"}, "k").Get()
	require.NoError(t, err)
	assert.Equal(t, "row-7", sink.getMessages()[0].OrderingKey)
}

func TestPublish_RetriesTransient(t *testing.T) {
	sink := &mockSink{failErr: Transient(ErrUnavailable)}
	sink.failCount.Store(2)

	p, err := New(sink, fastConfig())
	require.NoError(t, err)

	id, err := p.Publish(context.Background(), []byte("x"), nil, "k").Get()
	require.NoError(t, err)
	assert.Equal(t, "id-3", id)
	assert.Equal(t, int32(3), sink.calls.Load())
}

func TestPublish_TransientBudgetExhausted(t *testing.T) {
	sink := &mockSink{failErr: Transient(ErrUnavailable)}
	sink.failCount.Store(100)

	p, err := New(sink, fastConfig())
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), []byte("x"), nil, "k").Get()
	require.Error(t, err)
	assert.True(t, IsTransient(err), "exhausted transient errors stay transient for the caller")
	assert.Equal(t, int32(4), sink.calls.Load(), "one attempt plus three retries")
}

func TestPublish_PermanentNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"too large", Permanent(ErrPayloadTooLarge)},
		{"invalid topic", ErrInvalidTopic},
		{"unclassified", errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &mockSink{failErr: tt.err}
			sink.failCount.Store(1)

			p, err := New(sink, fastConfig())
			require.NoError(t, err)

			_, err = p.Publish(context.Background(), []byte("x"), nil, "k").Get()
			require.Error(t, err)
			assert.False(t, IsTransient(err))
			assert.Equal(t, int32(1), sink.calls.Load())
		})
	}
}

func TestPublish_DoesNotBlockCaller(t *testing.T) {
	sink := &mockSink{block: make(chan struct{})}
	p, err := New(sink, fastConfig())
	require.NoError(t, err)

	start := time.Now()
	fut := p.Publish(context.Background(), []byte("x"), nil, "k")
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(sink.block)
	_, err = fut.Get()
	require.NoError(t, err)
}

func TestPublish_ContextCanceled(t *testing.T) {
	sink := &mockSink{block: make(chan struct{})}
	p, err := New(sink, fastConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	fut := p.Publish(ctx, []byte("x"), nil, "k")
	cancel()

	_, err = fut.Get()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublish_Concurrent(t *testing.T) {
	sink := &mockSink{}
	p, err := New(sink, fastConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Publish(context.Background(), []byte("x"), nil, fmt.Sprintf("k-%d", i)).Get()
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, sink.getMessages(), 50)
}

func TestClose(t *testing.T) {
	sink := &mockSink{}
	p, err := New(sink, fastConfig())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.True(t, sink.closed.Load())
	require.NoError(t, p.Close(), "close is idempotent")

	_, err = p.Publish(context.Background(), []byte("x"), nil, "k").Get()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_InterruptsRetryBackoff(t *testing.T) {
	sink := &mockSink{failErr: Transient(ErrUnavailable)}
	sink.failCount.Store(100)

	config := fastConfig()
	config.RetryInitial = time.Hour
	config.RetryMax = time.Hour
	p, err := New(sink, config)
	require.NoError(t, err)

	fut := p.Publish(context.Background(), []byte("x"), nil, "k")
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close())
	_, err = fut.Get()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrUnavailable))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrUnavailable)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(ErrPayloadTooLarge))
	assert.False(t, IsTransient(Permanent(ErrUnavailable)), "explicit classification wins")
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}

func TestRegistry(t *testing.T) {
	RegisterSink("test-registry", func(c cfg.SinkConfiguration) (Sink, error) {
		return &mockSink{}, nil
	})
	assert.Contains(t, SinkTypes(), "test-registry")

	s, err := CreateSink(cfg.SinkConfiguration{Type: "test-registry"})
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = CreateSink(cfg.SinkConfiguration{Type: "carrier-pigeon"})
	assert.Error(t, err)
}
