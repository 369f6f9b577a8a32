// Package publisher is the broker boundary of tailbridge.
//
// A Publisher wraps a Sink (Pub/Sub, Kafka, NATS or the in-memory mock) and
// turns every publish into a future of the broker message id:
//
//	fut := pub.Publish(ctx, event.Payload, event.Attributes.Map(), event.Attributes.Key)
//	id, err := fut.Get()
//
// Sinks classify their errors with Transient and Permanent. The publisher
// retries transient errors a few times with exponential backoff and returns
// everything else immediately, so callers see one of:
//
//   - a message id
//   - a transient error (IsTransient) that is worth retrying later
//   - a permanent error (ErrPayloadTooLarge, ErrInvalidTopic, ...)
//   - context.Canceled or ErrClosed when the caller or the process is shutting down
//
// Sinks register themselves from init in the sink package:
//
//	import _ "github.com/maxpert/tailbridge/publisher/sink"
//
//	snk, err := publisher.CreateSink(cfg.Config.Sink)
package publisher
