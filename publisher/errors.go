package publisher

import (
	"context"
	"errors"
)

// Sentinel broker errors
var (
	ErrUnavailable     = errors.New("broker unavailable")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrClosed          = errors.New("publisher closed")
)

// PublishError carries the retry classification of a sink error
type PublishError struct {
	Err       error
	Transient bool
}

func (e *PublishError) Error() string {
	if e.Transient {
		return "transient publish error: " + e.Err.Error()
	}
	return "permanent publish error: " + e.Err.Error()
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Err: err, Transient: true}
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PublishError{Err: err, Transient: false}
}

// IsTransient reports whether a publish error is worth retrying.
// Unclassified errors are permanent, except ErrUnavailable and deadline expiry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
