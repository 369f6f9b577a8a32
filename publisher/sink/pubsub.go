package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/maxpert/tailbridge/cfg"
	"github.com/maxpert/tailbridge/common"
	"github.com/maxpert/tailbridge/publisher"
)

const pubsubConnectTimeout = 30 * time.Second

func init() {
	publisher.RegisterSink("pubsub", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		ctx, cancel := context.WithTimeout(context.Background(), pubsubConnectTimeout)
		defer cancel()
		return NewPubSubSink(ctx, PubSubConfig{
			ProjectID:       config.ProjectID,
			Topic:           config.Topic,
			EmulatorHost:    config.EmulatorHost,
			CredentialsFile: config.CredentialsFile,
			Ordering:        config.Ordering,
			BatchSize:       config.BatchSize,
		})
	})
}

// PubSubConfig holds configuration for PubSubSink
type PubSubConfig struct {
	ProjectID       string
	Topic           string // checked for existence at startup
	EmulatorHost    string
	CredentialsFile string
	Ordering        bool
	BatchSize       int // messages per publish bundle
}

// PubSubSink implements the Sink interface for Google Cloud Pub/Sub
type PubSubSink struct {
	client *pubsub.Client
	config PubSubConfig
	topics *xsync.MapOf[string, *pubsub.Topic]
}

// NewPubSubSink connects to Pub/Sub and verifies the configured topic exists
func NewPubSubSink(ctx context.Context, config PubSubConfig) (*PubSubSink, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("pubsub sink requires project_id")
	}

	client, err := pubsub.NewClient(ctx, config.ProjectID, common.ClientOptions(config.EmulatorHost, config.CredentialsFile)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	s := &PubSubSink{
		client: client,
		config: config,
		topics: xsync.NewMapOf[string, *pubsub.Topic](),
	}

	if config.Topic != "" {
		exists, err := s.topic(config.Topic).Exists(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to check topic %s: %w", config.Topic, err)
		}
		if !exists {
			s.Close()
			return nil, fmt.Errorf("%w: topic %s does not exist in project %s", publisher.ErrInvalidTopic, config.Topic, config.ProjectID)
		}
	}

	log.Info().
		Str("project_id", config.ProjectID).
		Str("topic", config.Topic).
		Bool("ordering", config.Ordering).
		Bool("emulator", config.EmulatorHost != "").
		Msg("Pub/Sub sink connected")

	return s, nil
}

func (s *PubSubSink) topic(name string) *pubsub.Topic {
	t, _ := s.topics.LoadOrCompute(name, func() *pubsub.Topic {
		t := s.client.Topic(name)
		t.EnableMessageOrdering = s.config.Ordering
		if s.config.BatchSize > 0 {
			t.PublishSettings.CountThreshold = s.config.BatchSize
		}
		return t
	})
	return t
}

// Publish sends one message and waits for the server-assigned message id
func (s *PubSubSink) Publish(ctx context.Context, msg publisher.Message) (string, error) {
	t := s.topic(msg.Topic)

	m := &pubsub.Message{
		Data:       msg.Payload,
		Attributes: msg.Attributes,
	}
	if s.config.Ordering {
		m.OrderingKey = msg.OrderingKey
	}

	id, err := t.Publish(ctx, m).Get(ctx)
	if err != nil {
		if m.OrderingKey != "" {
			// Publishing for a key pauses after an error until resumed
			t.ResumePublish(m.OrderingKey)
		}
		return "", classifyPubSubError(err)
	}
	return id, nil
}

func classifyPubSubError(err error) error {
	if errors.Is(err, pubsub.ErrOversizedMessage) {
		return publisher.Permanent(fmt.Errorf("%w: %v", publisher.ErrPayloadTooLarge, err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return publisher.Transient(err)
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.Internal, codes.Unknown, codes.Canceled:
		return publisher.Transient(fmt.Errorf("%w: %v", publisher.ErrUnavailable, err))
	case codes.NotFound:
		return publisher.Permanent(fmt.Errorf("%w: %v", publisher.ErrInvalidTopic, err))
	case codes.InvalidArgument:
		return publisher.Permanent(err)
	case codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return publisher.Permanent(err)
	default:
		return publisher.Transient(err)
	}
}

// Close flushes pending bundles and closes the client
func (s *PubSubSink) Close() error {
	s.topics.Range(func(_ string, t *pubsub.Topic) bool {
		t.Stop()
		return true
	})
	return s.client.Close()
}
