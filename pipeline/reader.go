package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/tailbridge/checkpoint"
	"github.com/maxpert/tailbridge/extractor"
	"github.com/maxpert/tailbridge/notify"
	"github.com/maxpert/tailbridge/source"
	"github.com/maxpert/tailbridge/stats"
	"github.com/maxpert/tailbridge/telemetry"
)

const finalSaveTimeout = 5 * time.Second

// ErrNoProgress is returned by a poll whose rows cannot move the cursor
var ErrNoProgress = errors.New("poll made no progress")

// ReaderConfig tunes the poll loop
type ReaderConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	ReadAttempts    int
	ReadDelay       time.Duration
	ReadMaxDelay    time.Duration
	DrainGrace      time.Duration
}

// Reader owns the watermark cursor and the persisted checkpoint. It polls the
// source, hands rows to the processor and persists the tracker's safe
// checkpoint whenever it moves forward.
type Reader struct {
	source    source.RowSource
	store     checkpoint.Store
	extractor *extractor.Extractor
	tracker   *Tracker
	processor *Processor
	stats     *stats.Collector
	hub       *notify.Hub
	config    ReaderConfig

	cursor time.Time

	// guards the persisted checkpoint; the only place Save is called
	mu           sync.Mutex
	persisted    time.Time
	hasPersisted bool
}

// NewReader creates a reader resuming strictly after start
func NewReader(src source.RowSource, store checkpoint.Store, ext *extractor.Extractor, tracker *Tracker, processor *Processor, collector *stats.Collector, hub *notify.Hub, config ReaderConfig, start time.Time, hasStart bool) *Reader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}
	if config.ReadAttempts <= 0 {
		config.ReadAttempts = 1
	}
	if config.ReadDelay <= 0 {
		config.ReadDelay = 100 * time.Millisecond
	}

	r := &Reader{
		source:    src,
		store:     store,
		extractor: ext,
		tracker:   tracker,
		processor: processor,
		stats:     collector,
		hub:       hub,
		config:    config,
	}
	if hasStart {
		r.cursor = start.UTC()
		r.persisted = r.cursor
		r.hasPersisted = true
	}
	return r
}

// Run polls until ctx is canceled, then drains and persists the final checkpoint
func (r *Reader) Run(ctx context.Context) error {
	var signals <-chan notify.Signal
	if r.hub != nil {
		var cancel func()
		// blocking outcomes cannot move the checkpoint; Skip advances explicitly
		signals, cancel = r.hub.Subscribe(notify.Filter{Statuses: r.tracker.Releasing()})
		defer cancel()
	}

	log.Info().
		Str("after", source.CanonicalTimestamp(r.cursor)).
		Int("batch_size", r.config.BatchSize).
		Msg("Change reader started")

	interval := r.config.PollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			r.advance(ctx)
			continue
		case <-timer.C:
		}

		n, err := r.pollOnce(ctx)
		if ctx.Err() != nil {
			return r.shutdown()
		}

		wait := r.config.PollInterval
		switch {
		case err != nil:
			log.Error().Err(err).Str("after", source.CanonicalTimestamp(r.cursor)).Msg("Read failed, retrying next cycle")
			wait = interval
			interval = r.backoff(interval)
		case n == 0:
			wait = interval
			interval = r.backoff(interval)
		case n >= r.config.BatchSize:
			wait = 0
			interval = r.config.PollInterval
		default:
			interval = r.config.PollInterval
		}

		r.advance(ctx)
		timer.Reset(wait)
	}
}

func (r *Reader) backoff(interval time.Duration) time.Duration {
	interval *= 2
	if interval > r.config.MaxPollInterval {
		interval = r.config.MaxPollInterval
	}
	return interval
}

// pollOnce reads one batch and dispatches it. It returns the number of rows read.
func (r *Reader) pollOnce(ctx context.Context) (int, error) {
	after := r.cursor
	start := time.Now()

	rows, err := retry.DoWithData(
		func() ([]source.Row, error) {
			return r.read(ctx, after)
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.config.ReadAttempts)),
		retry.Delay(r.config.ReadDelay),
		retry.MaxDelay(r.config.ReadMaxDelay),
		retry.MaxJitter(r.config.ReadDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			telemetry.ReadErrorsTotal.Inc()
			log.Warn().
				Err(err).
				Uint("attempt", n+1).
				Str("after", source.CanonicalTimestamp(after)).
				Msg("Row source read failed, retrying")
		}),
	)
	telemetry.PollDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.PollsTotal.With("error").Inc()
		return 0, err
	}

	if len(rows) == 0 {
		telemetry.PollsTotal.With("empty").Inc()
		return 0, nil
	}
	if !r.progresses(rows) {
		telemetry.PollsTotal.With("stalled").Inc()
		return 0, fmt.Errorf("%w: %d rows without a readable watermark after %s", ErrNoProgress, len(rows), source.CanonicalTimestamp(after))
	}
	telemetry.PollsTotal.With("rows").Inc()
	telemetry.PollBatchRows.Observe(float64(len(rows)))

	return len(rows), r.dispatch(ctx, rows)
}

// read polls after the cursor and completes a tie group cut off by the limit
func (r *Reader) read(ctx context.Context, after time.Time) ([]source.Row, error) {
	rows, err := r.source.Poll(ctx, after, r.config.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(rows) < r.config.BatchSize {
		return rows, nil
	}

	last, err := r.extractor.Watermark(rows[len(rows)-1])
	if err != nil {
		return rows, nil
	}

	cut := len(rows)
	for cut > 0 {
		wm, err := r.extractor.Watermark(rows[cut-1])
		if err != nil || !wm.Equal(last) {
			break
		}
		cut--
	}

	tie, err := r.source.PollAt(ctx, last)
	if err != nil {
		return nil, err
	}
	// the tie query must see at least the rows it replaces
	if len(tie) < len(rows)-cut {
		log.Warn().
			Int("tie_rows", len(tie)).
			Int("batch_rows", len(rows)-cut).
			Str("watermark", source.CanonicalTimestamp(last)).
			Msg("Tie completion returned fewer rows than the batch, keeping the batch")
		return rows, nil
	}
	return append(rows[:cut:cut], tie...), nil
}

// progresses reports whether any row carries a readable watermark past the
// cursor. A batch that does not would be read again unchanged on every poll.
func (r *Reader) progresses(rows []source.Row) bool {
	for _, row := range rows {
		wm, err := r.extractor.Watermark(row)
		if err == nil && wm.After(r.cursor) {
			return true
		}
	}
	return false
}

// dispatch tracks the whole batch before any row starts so the checkpoint
// cannot pass a row that has not been handed out yet.
func (r *Reader) dispatch(ctx context.Context, rows []source.Row) error {
	high := r.cursor
	states := make([]*EventState, 0, len(rows))
	for _, row := range rows {
		st := r.processor.Admit(row, high)
		if st.Watermark().After(high) {
			high = st.Watermark()
		}
		states = append(states, st)
	}

	r.cursor = high
	r.tracker.MarkRead(high)
	r.stats.RecordRead(len(rows))

	log.Debug().
		Int("rows", len(rows)).
		Str("high", source.CanonicalTimestamp(high)).
		Msg("Dispatching batch")

	for i, st := range states {
		if _, err := r.processor.Process(ctx, st); err != nil {
			return fmt.Errorf("dispatch stopped with %d rows pending: %w", len(states)-i, err)
		}
	}
	return nil
}

// advance persists the safe checkpoint if it moved past the persisted one
func (r *Reader) advance(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	safe, ok := r.tracker.Advance()
	if !ok || (r.hasPersisted && !safe.After(r.persisted)) {
		return
	}

	if err := r.store.Save(ctx, safe); err != nil {
		telemetry.CheckpointSavesTotal.With("error").Inc()
		log.Error().Err(err).Time("checkpoint", safe).Msg("Failed to persist checkpoint")
		return
	}

	telemetry.CheckpointSavesTotal.With("ok").Inc()
	r.persisted = safe
	r.hasPersisted = true

	log.Debug().Str("checkpoint", source.CanonicalTimestamp(safe)).Msg("Checkpoint advanced")
}

// Persisted returns the last durably saved checkpoint
func (r *Reader) Persisted() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persisted, r.hasPersisted
}

func (r *Reader) shutdown() error {
	log.Info().Dur("grace", r.config.DrainGrace).Msg("Change reader stopping, draining in-flight rows")

	graceCtx, cancel := context.WithTimeout(context.Background(), r.config.DrainGrace)
	drained := r.processor.Wait(graceCtx)
	cancel()

	if !drained {
		log.Warn().
			Int("in_flight", r.processor.InFlightCount()).
			Msg("Drain grace expired, abandoning in-flight rows")
		r.processor.Abort()
		r.processor.Wait(context.Background())
	}
	r.processor.Abort()

	saveCtx, cancelSave := context.WithTimeout(context.Background(), finalSaveTimeout)
	defer cancelSave()
	r.advance(saveCtx)

	ts, ok := r.Persisted()
	log.Info().
		Bool("drained", drained).
		Bool("has_checkpoint", ok).
		Str("checkpoint", source.CanonicalTimestamp(ts)).
		Msg("Change reader stopped")
	return nil
}
