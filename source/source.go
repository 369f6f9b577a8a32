// Package source reads committed rows from the mirrored table.
//
// A RowSource answers two questions: which rows were committed strictly after
// a watermark, and which rows carry exactly a given watermark. Rows are always
// returned ascending by watermark, then by row id.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/tailbridge/cfg"
)

// RowSource polls the mirrored table
type RowSource interface {
	// Poll returns at most limit rows with watermark > after
	Poll(ctx context.Context, after time.Time, limit int) ([]Row, error)

	// PollAt returns every row with watermark == at
	PollAt(ctx context.Context, at time.Time) ([]Row, error)

	Close() error
}

// TransientReadError marks a source failure that is worth retrying
type TransientReadError struct {
	Err error
}

func (e *TransientReadError) Error() string {
	return "transient read error: " + e.Err.Error()
}

func (e *TransientReadError) Unwrap() error {
	return e.Err
}

// WrapReadError classifies a source error. Cancellation is returned as is,
// everything else is treated as transient.
func WrapReadError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var tre *TransientReadError
	if errors.As(err, &tre) {
		return err
	}
	return &TransientReadError{Err: err}
}

// Factory creates a RowSource from configuration
type Factory func(ctx context.Context, c cfg.SourceConfiguration) (RowSource, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a source type available to Open
func Register(sourceType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[sourceType] = factory
}

// Types lists the registered source types
func Types() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Open creates the configured source
func Open(ctx context.Context, c cfg.SourceConfiguration) (RowSource, error) {
	factoryMu.RLock()
	factory, ok := factories[c.Type]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown source type: %s", c.Type)
	}
	return factory(ctx, c)
}
