package publisher

import "context"

// Message is one event bound for a broker topic
type Message struct {
	Topic       string
	Key         string // idempotency key; partition key for brokers that have one
	Payload     []byte
	Attributes  map[string]string
	OrderingKey string // optional, Pub/Sub only
}

// Sink represents a broker client (e.g., Pub/Sub, Kafka, NATS)
type Sink interface {
	// Publish sends a message and returns the broker-assigned message id.
	// Errors should be classified with Transient or Permanent.
	Publish(ctx context.Context, msg Message) (string, error)
	// Close releases any resources held by the sink
	Close() error
}
