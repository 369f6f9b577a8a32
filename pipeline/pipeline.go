// Package pipeline is the capture, convert and publish core.
//
// A Reader polls the row source by commit timestamp and hands every row to a
// Processor, which extracts an event and publishes it with retries. A Tracker
// decides how far the checkpoint may move: only past watermarks whose rows
// are all terminal and not blocked. Delivery is at-least-once; the
// idempotency key carried by every event lets consumers deduplicate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/tailbridge/cfg"
	"github.com/maxpert/tailbridge/checkpoint"
	"github.com/maxpert/tailbridge/extractor"
	"github.com/maxpert/tailbridge/notify"
	"github.com/maxpert/tailbridge/source"
	"github.com/maxpert/tailbridge/stats"
)

// Config holds the resolved pipeline tunables
type Config struct {
	Reader          ReaderConfig
	MaxConcurrency  int
	MalformedPolicy string
	FailurePolicy   string
	Retry           RetryPolicy
}

// ConfigFrom derives the pipeline configuration from the process configuration
func ConfigFrom(c *cfg.Configuration) Config {
	return Config{
		Reader: ReaderConfig{
			BatchSize:       c.Source.BatchSize,
			PollInterval:    c.Pipeline.PollInterval(),
			MaxPollInterval: c.Pipeline.MaxPollInterval(),
			ReadAttempts:    c.Pipeline.ReadAttempts,
			ReadDelay:       time.Duration(c.Pipeline.Retry.BaseDelayMS) * time.Millisecond,
			ReadMaxDelay:    time.Duration(c.Pipeline.Retry.MaxDelayMS) * time.Millisecond,
			DrainGrace:      c.Pipeline.DrainGrace(),
		},
		MaxConcurrency:  c.Pipeline.MaxConcurrency,
		MalformedPolicy: c.Pipeline.MalformedPolicy,
		FailurePolicy:   c.Pipeline.FailurePolicy,
		Retry:           RetryPolicyFrom(c.Pipeline.Retry),
	}
}

// Dependencies are the collaborators the pipeline is built from
type Dependencies struct {
	Source    source.RowSource
	Store     checkpoint.Store
	Extractor *extractor.Extractor
	Publisher EventPublisher
	Stats     *stats.Collector
	Hub       *notify.Hub
}

// Pipeline wires reader, processor and tracker around one table
type Pipeline struct {
	deps      Dependencies
	tracker   *Tracker
	processor *Processor
	reader    *Reader
}

// New loads the persisted checkpoint and assembles the pipeline
func New(ctx context.Context, deps Dependencies, config Config) (*Pipeline, error) {
	if deps.Source == nil || deps.Store == nil || deps.Extractor == nil || deps.Publisher == nil {
		return nil, errors.New("source, checkpoint store, extractor and publisher are required")
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewCollector(stats.DefaultWindowSize)
	}
	if deps.Hub == nil {
		deps.Hub = notify.NewHub()
	}

	start, ok, err := deps.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if ok {
		log.Info().Str("checkpoint", source.CanonicalTimestamp(start)).Msg("Resuming after checkpoint")
	} else {
		log.Info().Msg("No checkpoint found, reading from the beginning of the table")
	}

	tracker := NewTracker(start, ok, config.MalformedPolicy, config.FailurePolicy)
	processor := NewProcessor(deps.Extractor, deps.Publisher, tracker, deps.Stats, deps.Hub, config.Retry, config.MaxConcurrency)
	reader := NewReader(deps.Source, deps.Store, deps.Extractor, tracker, processor, deps.Stats, deps.Hub, config.Reader, start, ok)

	return &Pipeline{
		deps:      deps,
		tracker:   tracker,
		processor: processor,
		reader:    reader,
	}, nil
}

// Run blocks until ctx is canceled and the pipeline has drained
func (p *Pipeline) Run(ctx context.Context) error {
	return p.reader.Run(ctx)
}

// Snapshot returns the current stats
func (p *Pipeline) Snapshot() stats.Snapshot {
	return p.deps.Stats.Snapshot()
}

// Checkpoint returns the persisted checkpoint
func (p *Pipeline) Checkpoint() (time.Time, bool) {
	return p.reader.Persisted()
}

// SafeCheckpoint returns the tracker's current safe value, which may be
// ahead of the persisted one until the next save
func (p *Pipeline) SafeCheckpoint() (time.Time, bool) {
	return p.tracker.SafeCheckpoint()
}

// InFlight lists rows that are not terminal yet
func (p *Pipeline) InFlight() []StateView {
	return p.processor.InFlight()
}

// Blocked lists rows holding the checkpoint back
func (p *Pipeline) Blocked() []BlockedRow {
	return p.tracker.Blocked()
}

// Skip releases a blocked row and persists the checkpoint if it can move
func (p *Pipeline) Skip(ctx context.Context, rowID string) ([]BlockedRow, error) {
	released, err := p.tracker.Skip(rowID)
	if err != nil {
		return nil, err
	}

	for _, row := range released {
		log.Warn().
			Str("row_id", row.RowID).
			Time("watermark", row.Watermark).
			Str("status", row.Status).
			Msg("Operator skipped blocked row")
	}

	p.reader.advance(ctx)
	return released, nil
}

// InFlightCount implements telemetry.GaugeSource
func (p *Pipeline) InFlightCount() int {
	return p.processor.InFlightCount()
}

// PendingCount implements telemetry.GaugeSource
func (p *Pipeline) PendingCount() int {
	return p.tracker.Pending()
}

// BlockedCount implements telemetry.GaugeSource
func (p *Pipeline) BlockedCount() int {
	return len(p.tracker.Blocked())
}

// PersistedCheckpoint implements telemetry.GaugeSource
func (p *Pipeline) PersistedCheckpoint() (time.Time, bool) {
	return p.reader.Persisted()
}
