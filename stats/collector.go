package stats

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/tailbridge/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultWindowSize = 4096

// Failure kinds reported by the processor
const (
	KindMalformed = "malformed"
	KindTransient = "transient"
	KindPermanent = "permanent"
)

// LatencySummary describes publish latencies over the rolling window
type LatencySummary struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
}

// Snapshot is a point-in-time copy of the aggregates
type Snapshot struct {
	At             time.Time         `json:"at"`
	Read           uint64            `json:"read"`
	Published      uint64            `json:"published"`
	Failed         uint64            `json:"failed"`
	Malformed      uint64            `json:"malformed"`
	FailuresByKind map[string]uint64 `json:"failures_by_kind"`
	InFlight       int64             `json:"in_flight"`
	Latency        LatencySummary    `json:"latency"`
	DroppedSamples uint64            `json:"dropped_samples"`
}

// Terminal returns the number of rows that reached a terminal outcome
func (s Snapshot) Terminal() uint64 {
	return s.Published + s.Failed + s.Malformed
}

// Collector accumulates pipeline counters. Record methods never block:
// latency samples go through a buffered channel and are dropped when it is full.
type Collector struct {
	read      atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
	malformed atomic.Uint64
	inFlight  atomic.Int64
	dropped   atomic.Uint64
	kinds     *xsync.MapOf[string, *atomic.Uint64]

	samples chan time.Duration

	mu     sync.Mutex
	window []time.Duration
	next   int
	filled bool

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCollector creates a collector with a rolling window of windowSize samples
func NewCollector(windowSize int) *Collector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Collector{
		kinds:   xsync.NewMapOf[string, *atomic.Uint64](),
		samples: make(chan time.Duration, windowSize),
		window:  make([]time.Duration, windowSize),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start drains latency samples into the window in the background
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.drainLoop()
}

// Stop stops the background drain. Safe to call more than once.
func (c *Collector) Stop() {
	c.once.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *Collector) drainLoop() {
	defer c.wg.Done()

	for {
		select {
		case d := <-c.samples:
			c.mu.Lock()
			c.push(d)
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

// RecordRead counts rows handed to the pipeline
func (c *Collector) RecordRead(n int) {
	if n <= 0 {
		return
	}
	c.read.Add(uint64(n))
	telemetry.RowsReadTotal.Add(float64(n))
}

// RecordSuccess counts a published row and queues its latency sample
func (c *Collector) RecordSuccess(latency time.Duration) {
	c.published.Add(1)
	telemetry.RowsPublishedTotal.Inc()
	telemetry.PublishLatencySeconds.Observe(latency.Seconds())

	select {
	case c.samples <- latency:
	default:
		c.dropped.Add(1)
		telemetry.StatsSamplesDropped.Inc()
	}
}

// RecordFailure counts a row that ended without a publish
func (c *Collector) RecordFailure(kind string) {
	if kind == KindMalformed {
		c.malformed.Add(1)
	} else {
		c.failed.Add(1)
	}

	counter, _ := c.kinds.LoadOrCompute(kind, func() *atomic.Uint64 {
		return new(atomic.Uint64)
	})
	counter.Add(1)
	telemetry.RowsFailedTotal.With(kind).Inc()
}

// AddInFlight adjusts the number of rows with an outstanding publish
func (c *Collector) AddInFlight(delta int) {
	c.inFlight.Add(int64(delta))
}

// Terminal returns how many rows reached a terminal outcome so far
func (c *Collector) Terminal() uint64 {
	return c.published.Load() + c.failed.Load() + c.malformed.Load()
}

// Snapshot returns the current aggregates. Pending samples are folded into
// the window first so the snapshot reflects every recorded success.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	for drained := false; !drained; {
		select {
		case d := <-c.samples:
			c.push(d)
		default:
			drained = true
		}
	}
	latency := c.summarize()
	c.mu.Unlock()

	byKind := make(map[string]uint64)
	c.kinds.Range(func(kind string, n *atomic.Uint64) bool {
		byKind[kind] = n.Load()
		return true
	})

	return Snapshot{
		At:             c.now(),
		Read:           c.read.Load(),
		Published:      c.published.Load(),
		Failed:         c.failed.Load(),
		Malformed:      c.malformed.Load(),
		FailuresByKind: byKind,
		InFlight:       c.inFlight.Load(),
		Latency:        latency,
		DroppedSamples: c.dropped.Load(),
	}
}

// push must be called with mu held
func (c *Collector) push(d time.Duration) {
	c.window[c.next] = d
	c.next++
	if c.next == len(c.window) {
		c.next = 0
		c.filled = true
	}
}

// summarize must be called with mu held
func (c *Collector) summarize() LatencySummary {
	n := c.next
	if c.filled {
		n = len(c.window)
	}
	if n == 0 {
		return LatencySummary{}
	}

	sorted := make([]time.Duration, n)
	copy(sorted, c.window[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return LatencySummary{
		Count: n,
		Min:   sorted[0],
		Max:   sorted[n-1],
		Mean:  total / time.Duration(n),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
	}
}

// percentile uses the nearest-rank method on sorted samples
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
