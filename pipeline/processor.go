package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/tailbridge/extractor"
	"github.com/maxpert/tailbridge/notify"
	"github.com/maxpert/tailbridge/publisher"
	"github.com/maxpert/tailbridge/source"
	"github.com/maxpert/tailbridge/stats"
)

// EventPublisher is the asynchronous publish contract the processor needs
type EventPublisher interface {
	Publish(ctx context.Context, payload []byte, attrs map[string]string, key string) *future.Future[string]
}

// Result is the outcome carried by a Handle
type Result struct {
	Status    Status
	MessageID string
	Err       error
	// Abandoned is set when shutdown interrupted the row before a terminal
	// outcome. The row was not resolved and will be read again on restart.
	Abandoned bool
}

// Handle resolves when its row is done
type Handle struct {
	state  *EventState
	done   chan struct{}
	result Result
}

// Done is closed once the result is available
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the row is done
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

// State returns the row's lifecycle record
func (h *Handle) State() *EventState {
	return h.state
}

// Processor runs rows through extract and publish with bounded concurrency
type Processor struct {
	extractor *extractor.Extractor
	publisher EventPublisher
	tracker   *Tracker
	stats     *stats.Collector
	hub       *notify.Hub
	retry     RetryPolicy

	sem    chan struct{}
	states *xsync.MapOf[uint64, *EventState]
	seq    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewProcessor creates a processor allowing maxConcurrency rows in flight
func NewProcessor(ext *extractor.Extractor, pub EventPublisher, tracker *Tracker, collector *stats.Collector, hub *notify.Hub, retry RetryPolicy, maxConcurrency int) *Processor {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		extractor: ext,
		publisher: pub,
		tracker:   tracker,
		stats:     collector,
		hub:       hub,
		retry:     retry,
		sem:       make(chan struct{}, maxConcurrency),
		states:    xsync.NewMapOf[uint64, *EventState](),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Admit creates the state for a freshly read row and registers it with the
// tracker. Rows whose watermark cannot be read are tracked at fallback.
func (p *Processor) Admit(row source.Row, fallback time.Time) *EventState {
	wm, err := p.extractor.Watermark(row)
	if err != nil {
		wm = fallback
	}
	id, err := p.extractor.ID(row)
	if err != nil {
		id = ""
	}

	st := NewEventState(p.seq.Add(1), row, id, wm.UTC(), p.now())
	p.tracker.Track(st.Watermark())
	return st
}

// Process starts the row and returns immediately with a handle. It blocks only
// while all slots are taken; ctx bounds that wait and nothing else.
func (p *Processor) Process(ctx context.Context, state *EventState) (*Handle, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}

	h := &Handle{state: state, done: make(chan struct{})}
	p.states.Store(state.Seq(), state)
	p.stats.AddInFlight(1)
	p.wg.Add(1)
	go p.run(h)

	return h, nil
}

func (p *Processor) run(h *Handle) {
	defer p.wg.Done()
	defer func() { <-p.sem }()
	defer p.stats.AddInFlight(-1)

	st := h.state
	logger := log.With().Str("row_id", st.RowID()).Time("watermark", st.Watermark()).Logger()

	p.mustTransition(st, StatusExtracting)
	ev, err := p.extractor.Extract(st.Row())
	if err != nil {
		p.record(st, st.Fail(StatusMalformed, err, p.now()))
		logger.Warn().Err(err).Msg("Malformed row, not published")
		p.stats.RecordFailure(stats.KindMalformed)
		p.finish(h)
		return
	}

	attrs := ev.Attributes.Map()
	for {
		p.mustTransition(st, StatusPublishing)

		id, err := p.publisher.Publish(p.ctx, ev.Payload, attrs, ev.Attributes.Key).Get()
		if err == nil {
			p.record(st, st.Ack(id, p.now()))
			p.mustTransition(st, StatusSuccess)
			p.stats.RecordSuccess(p.now().Sub(st.ReadAt()))
			p.finish(h)
			return
		}

		if p.ctx.Err() != nil || errors.Is(err, publisher.ErrClosed) {
			p.abandon(h, err)
			return
		}

		p.record(st, st.Fail(StatusPublishFailed, err, p.now()))
		transient := publisher.IsTransient(err)
		if !transient || !p.retry.ShouldRetry(st.Attempts()) {
			p.record(st, st.Fail(StatusFailure, err, p.now()))
			kind := stats.KindPermanent
			if transient {
				kind = stats.KindTransient
			}
			logger.Error().
				Err(err).
				Int("attempts", st.Attempts()).
				Str("kind", kind).
				Msg("Publish failed permanently")
			p.stats.RecordFailure(kind)
			p.finish(h)
			return
		}

		delay := p.retry.Delay(st.Attempts())
		logger.Warn().
			Err(err).
			Int("attempt", st.Attempts()).
			Dur("retry_delay", delay).
			Msg("Publish failed, retrying")

		if !p.sleep(delay) {
			p.abandon(h, p.ctx.Err())
			return
		}
	}
}

func (p *Processor) mustTransition(st *EventState, to Status) {
	p.record(st, st.Transition(to, p.now()))
}

// record logs a transition the state machine refused. The row keeps its
// previous status, so the refusal must not go unnoticed.
func (p *Processor) record(st *EventState, err error) bool {
	if err == nil {
		return true
	}
	log.Error().
		Err(err).
		Str("row_id", st.RowID()).
		Str("status", st.Status().String()).
		Msg("Unexpected state transition")
	return false
}

// finish resolves a terminal row with the tracker before announcing it
func (p *Processor) finish(h *Handle) {
	st := h.state
	now := p.now()

	p.states.Delete(st.Seq())
	if p.tracker.Resolve(st, now) {
		log.Error().
			Str("row_id", st.RowID()).
			Time("watermark", st.Watermark()).
			Str("status", st.Status().String()).
			Err(st.Err()).
			Msg("Row is blocking the checkpoint until skipped")
	}

	h.result = Result{Status: st.Status(), MessageID: st.MessageID(), Err: st.Err()}
	close(h.done)

	if p.hub != nil {
		p.hub.Signal(notify.Signal{
			RowID:     st.RowID(),
			Watermark: st.Watermark(),
			Status:    st.Status().String(),
		})
	}
}

// abandon releases a row interrupted by shutdown without resolving it
func (p *Processor) abandon(h *Handle, err error) {
	st := h.state
	p.states.Delete(st.Seq())

	log.Warn().
		Err(err).
		Str("row_id", st.RowID()).
		Time("watermark", st.Watermark()).
		Msg("Row abandoned on shutdown, it will be re-delivered")

	h.result = Result{Status: st.Status(), Err: err, Abandoned: true}
	close(h.done)
}

func (p *Processor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// InFlight returns views of rows that are not terminal yet
func (p *Processor) InFlight() []StateView {
	var out []StateView
	p.states.Range(func(_ uint64, st *EventState) bool {
		out = append(out, st.View())
		return true
	})
	return out
}

// InFlightCount returns the number of rows currently processing
func (p *Processor) InFlightCount() int {
	return p.states.Size()
}

// Wait blocks until every started row is done or ctx expires.
// It returns false on expiry.
func (p *Processor) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Abort interrupts every in-flight row
func (p *Processor) Abort() {
	p.cancel()
}
