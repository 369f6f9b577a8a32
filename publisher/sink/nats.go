package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/maxpert/tailbridge/cfg"
	"github.com/maxpert/tailbridge/publisher"
)

// Window in which JetStream drops messages with a repeated Nats-Msg-Id
const natsDuplicateWindow = 10 * time.Minute

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	streams map[string]bool
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: make(map[string]bool)}, nil
}

// Publish sends a message to JetStream. The idempotency key is sent as
// Nats-Msg-Id so the server drops duplicates inside the dedup window.
func (n *NatsSink) Publish(ctx context.Context, msg publisher.Message) (string, error) {
	if err := n.ensureStream(ctx, msg.Topic); err != nil {
		return "", err
	}

	header := nats.Header{}
	for k, v := range msg.Attributes {
		header.Set(k, v)
	}

	ack, err := n.js.PublishMsg(ctx, &nats.Msg{
		Subject: msg.Topic,
		Data:    msg.Payload,
		Header:  header,
	}, jetstream.WithMsgID(msg.Key))
	if err != nil {
		return "", classifyNatsError(err)
	}

	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

// ensureStream creates the stream backing a subject once per process
func (n *NatsSink) ensureStream(ctx context.Context, subject string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.streams[subject] {
		return nil
	}

	streamName := sanitizeStreamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: natsDuplicateWindow,
	})
	if err != nil {
		return classifyNatsError(fmt.Errorf("failed to ensure stream %s: %w", streamName, err))
	}

	n.streams[subject] = true
	return nil
}

func classifyNatsError(err error) error {
	if errors.Is(err, nats.ErrMaxPayload) {
		return publisher.Permanent(fmt.Errorf("%w: %v", publisher.ErrPayloadTooLarge, err))
	}
	if errors.Is(err, nats.ErrBadSubject) || errors.Is(err, jetstream.ErrInvalidStreamName) {
		return publisher.Permanent(fmt.Errorf("%w: %v", publisher.ErrInvalidTopic, err))
	}

	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 408 {
		return publisher.Permanent(err)
	}

	// No responders, timeouts, reconnects
	return publisher.Transient(fmt.Errorf("%w: %v", publisher.ErrUnavailable, err))
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
func sanitizeStreamName(subject string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, subject)
}
