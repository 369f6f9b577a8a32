package stats

import (
	"sync"
	"time"

	"github.com/maxpert/tailbridge/notify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReportSink receives periodic snapshots
type ReportSink interface {
	Report(Snapshot)
}

// LogSink writes snapshots through zerolog
type LogSink struct {
	Logger zerolog.Logger
}

// NewLogSink returns a sink writing to the global logger
func NewLogSink() *LogSink {
	return &LogSink{Logger: log.Logger}
}

func (s *LogSink) Report(snap Snapshot) {
	level := zerolog.InfoLevel
	if snap.Failed > 0 {
		level = zerolog.WarnLevel
	}

	s.Logger.WithLevel(level).
		Uint64("read", snap.Read).
		Uint64("published", snap.Published).
		Uint64("failed", snap.Failed).
		Uint64("malformed", snap.Malformed).
		Int64("in_flight", snap.InFlight).
		Int("latency_samples", snap.Latency.Count).
		Dur("latency_min", snap.Latency.Min).
		Dur("latency_mean", snap.Latency.Mean).
		Dur("latency_p50", snap.Latency.P50).
		Dur("latency_p90", snap.Latency.P90).
		Dur("latency_p99", snap.Latency.P99).
		Dur("latency_max", snap.Latency.Max).
		Uint64("dropped_samples", snap.DroppedSamples).
		Msg("Pipeline stats")
}

// Reporter emits a snapshot every interval, and every `every` terminal
// outcomes when a hub is attached.
type Reporter struct {
	collector *Collector
	sink      ReportSink
	interval  time.Duration
	every     uint64
	hub       *notify.Hub

	mu           sync.Mutex
	lastTerminal uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewReporter creates a reporter. A zero interval disables the timer and a
// zero every (or nil hub) disables event-count reports.
func NewReporter(collector *Collector, sink ReportSink, interval time.Duration, every int, hub *notify.Hub) *Reporter {
	if every < 0 {
		every = 0
	}
	return &Reporter{
		collector: collector,
		sink:      sink,
		interval:  interval,
		every:     uint64(every),
		hub:       hub,
		stopCh:    make(chan struct{}),
	}
}

// Start begins reporting
func (r *Reporter) Start() {
	var signals <-chan notify.Signal
	cancel := func() {}
	if r.hub != nil && r.every > 0 {
		signals, cancel = r.hub.Subscribe(notify.Filter{})
	}

	r.wg.Add(1)
	go r.reportLoop(signals, cancel)
}

// Stop stops the reporter and emits a final snapshot
func (r *Reporter) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Reporter) reportLoop(signals <-chan notify.Signal, cancel func()) {
	defer r.wg.Done()
	defer cancel()

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			r.Report()
		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			r.maybeReport()
		case <-r.stopCh:
			r.Report()
			return
		}
	}
}

// maybeReport reports when at least `every` outcomes happened since the
// last report. Counting uses the collector, so dropped signals only delay it.
func (r *Reporter) maybeReport() {
	r.mu.Lock()
	due := r.collector.Terminal()-r.lastTerminal >= r.every
	r.mu.Unlock()

	if due {
		r.Report()
	}
}

// Report emits a snapshot immediately
func (r *Reporter) Report() {
	snap := r.collector.Snapshot()

	r.mu.Lock()
	r.lastTerminal = snap.Terminal()
	r.mu.Unlock()

	r.sink.Report(snap)
}
