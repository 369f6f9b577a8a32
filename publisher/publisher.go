package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/tailbridge/telemetry"
)

const (
	// Default transient retries after the first attempt
	DefaultMaxRetries = 3
	// Default initial retry delay for transient failures
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 2 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default per-attempt timeout
	DefaultPublishTimeout = 30 * time.Second
)

// Config configures the publisher adapter
type Config struct {
	Topic             string        // Destination topic
	OrderingAttribute string        // Attribute used as ordering key, empty disables ordering
	MaxRetries        int           // Transient retries after the first attempt (0 = none)
	RetryInitial      time.Duration // Initial retry delay
	RetryMax          time.Duration // Max retry delay
	RetryMultiplier   float64       // Backoff multiplier
	PublishTimeout    time.Duration // Per-attempt timeout
}

// Publisher wraps a Sink behind an asynchronous, concurrency-safe publish call.
// It retries only transient sink errors; everything else resolves immediately.
type Publisher struct {
	config Config
	sink   Sink

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a publisher over sink
func New(sink Sink, config Config) (*Publisher, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}

	return &Publisher{
		config: config,
		sink:   sink,
		stopCh: make(chan struct{}),
	}, nil
}

// Publish hands payload and attributes to the sink and returns a future for
// the broker message id. It never blocks on the broker.
func (p *Publisher) Publish(ctx context.Context, payload []byte, attrs map[string]string, key string) *future.Future[string] {
	promise := future.NewPromise[string]()

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		promise.Set("", ErrClosed)
		return promise.Future()
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	msg := Message{
		Topic:      p.config.Topic,
		Key:        key,
		Payload:    payload,
		Attributes: attrs,
	}
	if p.config.OrderingAttribute != "" {
		msg.OrderingKey = attrs[p.config.OrderingAttribute]
	}

	go func() {
		defer p.wg.Done()
		promise.Set(p.publishWithRetry(ctx, msg))
	}()

	return promise.Future()
}

// publishWithRetry publishes msg with exponential backoff on transient errors
func (p *Publisher) publishWithRetry(ctx context.Context, msg Message) (string, error) {
	delay := p.config.RetryInitial

	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
		id, err := p.sink.Publish(attemptCtx, msg)
		cancel()

		if err == nil {
			telemetry.PublishAttemptsTotal.With("ack").Inc()
			return id, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !IsTransient(err) {
			telemetry.PublishAttemptsTotal.With("permanent").Inc()
			var pe *PublishError
			if errors.As(err, &pe) {
				return "", err
			}
			return "", Permanent(err)
		}

		telemetry.PublishAttemptsTotal.With("transient").Inc()
		if attempt >= p.config.MaxRetries {
			return "", err
		}

		log.Debug().
			Err(err).
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Int("attempt", attempt+1).
			Dur("retry_delay", delay).
			Msg("Transient publish failure, retrying")

		if !p.sleep(ctx, delay) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", ErrClosed
		}

		delay = time.Duration(float64(delay) * p.config.RetryMultiplier)
		if delay > p.config.RetryMax {
			delay = p.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking ctx and stopCh
// Returns true if sleep completed, false if interrupted
func (p *Publisher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Close rejects new publishes, waits for outstanding ones and closes the sink
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	log.Info().Str("topic", p.config.Topic).Msg("Publisher closed")
	return p.sink.Close()
}
