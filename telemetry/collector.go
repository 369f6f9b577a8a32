package telemetry

import (
	"sync"
	"time"
)

// GaugeSource is implemented by components whose state is sampled periodically
type GaugeSource interface {
	InFlightCount() int
	PendingCount() int
	BlockedCount() int
	PersistedCheckpoint() (time.Time, bool)
}

// MetricsCollector periodically samples a GaugeSource into telemetry gauges
type MetricsCollector struct {
	source   GaugeSource
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(source GaugeSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		source:   source,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.source == nil {
		return
	}

	InFlightRows.Set(float64(mc.source.InFlightCount()))
	PendingRows.Set(float64(mc.source.PendingCount()))
	BlockedRows.Set(float64(mc.source.BlockedCount()))

	if ts, ok := mc.source.PersistedCheckpoint(); ok {
		CheckpointTimestampSeconds.Set(float64(ts.UnixNano()) / 1e9)
		CheckpointLagSeconds.Set(mc.now().Sub(ts).Seconds())
	}
}
