// Package checkpoint persists the highest fully published watermark.
//
// A checkpoint is a single timestamp per source table. Saving is an atomic,
// durable overwrite and never moves the value backwards.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCheckpointRegression is returned when Save would move the checkpoint backwards
	ErrCheckpointRegression = errors.New("checkpoint regression")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("checkpoint store is closed")
)

// Store persists a single checkpoint value
type Store interface {
	// Load returns the persisted checkpoint; ok is false when none was saved yet
	Load(ctx context.Context) (ts time.Time, ok bool, err error)
	// Save overwrites the checkpoint. Saving the current value again is a no-op.
	Save(ctx context.Context, ts time.Time) error
	Close() error
}

// Record is the persisted checkpoint value
type Record struct {
	Timestamp time.Time `msgpack:"ts"`
	UpdatedAt time.Time `msgpack:"at"`
}
