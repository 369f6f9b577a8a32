package stats

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/tailbridge/notify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (s *captureSink) Report(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func (s *captureSink) last() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[len(s.snaps)-1]
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(16)

	c.RecordRead(5)
	c.RecordRead(0)
	c.RecordSuccess(10 * time.Millisecond)
	c.RecordSuccess(30 * time.Millisecond)
	c.RecordFailure(KindPermanent)
	c.RecordFailure(KindMalformed)
	c.RecordFailure(KindMalformed)
	c.AddInFlight(3)
	c.AddInFlight(-1)

	snap := c.Snapshot()
	assert.Equal(t, uint64(5), snap.Read)
	assert.Equal(t, uint64(2), snap.Published)
	assert.Equal(t, uint64(1), snap.Failed)
	assert.Equal(t, uint64(2), snap.Malformed)
	assert.Equal(t, int64(2), snap.InFlight)
	assert.Equal(t, uint64(5), snap.Terminal())
	assert.Equal(t, uint64(5), c.Terminal())
	assert.Equal(t, map[string]uint64{KindPermanent: 1, KindMalformed: 2}, snap.FailuresByKind)
}

func TestCollector_LatencySummary(t *testing.T) {
	c := NewCollector(100)
	for i := 1; i <= 100; i++ {
		c.RecordSuccess(time.Duration(i) * time.Millisecond)
	}

	lat := c.Snapshot().Latency
	assert.Equal(t, 100, lat.Count)
	assert.Equal(t, time.Millisecond, lat.Min)
	assert.Equal(t, 100*time.Millisecond, lat.Max)
	assert.Equal(t, 50500*time.Microsecond, lat.Mean)
	assert.Equal(t, 50*time.Millisecond, lat.P50)
	assert.Equal(t, 90*time.Millisecond, lat.P90)
	assert.Equal(t, 99*time.Millisecond, lat.P99)
}

func TestCollector_EmptyLatency(t *testing.T) {
	c := NewCollector(8)
	assert.Equal(t, LatencySummary{}, c.Snapshot().Latency)
}

func TestCollector_WindowRolls(t *testing.T) {
	c := NewCollector(4)

	for i := 1; i <= 4; i++ {
		c.RecordSuccess(time.Duration(i) * time.Second)
	}
	c.Snapshot()
	for i := 5; i <= 6; i++ {
		c.RecordSuccess(time.Duration(i) * time.Second)
	}

	lat := c.Snapshot().Latency
	assert.Equal(t, 4, lat.Count)
	assert.Equal(t, 3*time.Second, lat.Min, "oldest samples leave the window")
	assert.Equal(t, 6*time.Second, lat.Max)
	assert.Equal(t, uint64(6), c.Snapshot().Published, "counters are not windowed")
}

func TestCollector_DropsSamplesInsteadOfBlocking(t *testing.T) {
	c := NewCollector(2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.RecordSuccess(time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecordSuccess blocked")
	}

	snap := c.Snapshot()
	assert.Equal(t, uint64(10), snap.Published)
	assert.Equal(t, uint64(8), snap.DroppedSamples)
	assert.Equal(t, 2, snap.Latency.Count)
}

func TestCollector_BackgroundDrain(t *testing.T) {
	c := NewCollector(4)
	c.Start()
	defer c.Stop()

	for i := 0; i < 20; i++ {
		c.RecordSuccess(time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	snap := c.Snapshot()
	assert.Equal(t, uint64(20), snap.Published)
	assert.Equal(t, 4, snap.Latency.Count)
	assert.Less(t, snap.DroppedSamples, uint64(20))

	c.Stop()
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector(64)
	c.Start()
	defer c.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.RecordRead(1)
				c.RecordSuccess(time.Microsecond)
				c.RecordFailure(KindTransient)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, uint64(800), snap.Read)
	assert.Equal(t, uint64(800), snap.Published)
	assert.Equal(t, uint64(800), snap.Failed)
	assert.Equal(t, uint64(800), snap.FailuresByKind[KindTransient])
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3}
	assert.Equal(t, time.Duration(1), percentile(sorted, 0))
	assert.Equal(t, time.Duration(2), percentile(sorted, 0.5))
	assert.Equal(t, time.Duration(3), percentile(sorted, 0.99))
	assert.Equal(t, time.Duration(3), percentile(sorted, 1))
}

func TestReporter_Interval(t *testing.T) {
	c := NewCollector(8)
	sink := &captureSink{}
	r := NewReporter(c, sink, 10*time.Millisecond, 0, nil)
	r.Start()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()
}

func TestReporter_EveryNEvents(t *testing.T) {
	c := NewCollector(8)
	hub := notify.NewHub()
	sink := &captureSink{}
	r := NewReporter(c, sink, 0, 3, hub)
	r.Start()
	defer r.Stop()

	// the subscription is taken in Start
	for i := 0; i < 2; i++ {
		c.RecordSuccess(time.Millisecond)
		hub.Signal(notify.Signal{RowID: "r", Status: "success"})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count())

	c.RecordFailure(KindPermanent)
	hub.Signal(notify.Signal{RowID: "r", Status: "failure"})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), sink.last().Terminal())
}

func TestReporter_FinalReportOnStop(t *testing.T) {
	c := NewCollector(8)
	sink := &captureSink{}
	r := NewReporter(c, sink, time.Hour, 0, nil)
	r.Start()

	c.RecordRead(4)
	r.Stop()

	require.Equal(t, 1, sink.count())
	assert.Equal(t, uint64(4), sink.last().Read)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := &LogSink{Logger: zerolog.New(&buf)}

	sink.Report(Snapshot{Read: 3, Published: 2, Failed: 1})

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"read":3`)
	assert.Contains(t, out, `"published":2`)
	assert.Contains(t, out, "Pipeline stats")
}
