package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for broker round trips including retries
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// PollBuckets for source queries
	PollBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// BatchBuckets for rows returned per poll
	BatchBuckets = []float64{0, 1, 5, 10, 50, 100, 250, 500, 1000, 5000}
)

// Source Metrics
var (
	// RowsReadTotal counts rows returned by the source
	RowsReadTotal Counter = NoopStat{}

	// PollsTotal counts source polls by result (rows, empty, stalled, error)
	PollsTotal CounterVec = noopCounterVec{}

	// PollDurationSeconds measures source query latency
	PollDurationSeconds Histogram = NoopStat{}

	// PollBatchRows measures rows per poll
	PollBatchRows Histogram = NoopStat{}

	// ReadErrorsTotal counts transient read failures
	ReadErrorsTotal Counter = NoopStat{}
)

// Publish Metrics
var (
	// RowsPublishedTotal counts rows that reached Success
	RowsPublishedTotal Counter = NoopStat{}

	// RowsFailedTotal counts terminal non-success rows by kind (malformed, transient, permanent)
	RowsFailedTotal CounterVec = noopCounterVec{}

	// PublishAttemptsTotal counts broker publish attempts by result (ack, transient, permanent)
	PublishAttemptsTotal CounterVec = noopCounterVec{}

	// PublishLatencySeconds measures read-to-ack latency of successful rows
	PublishLatencySeconds Histogram = NoopStat{}

	// InFlightRows tracks rows currently held by the processor
	InFlightRows Gauge = NoopStat{}
)

// Checkpoint Metrics
var (
	// CheckpointTimestampSeconds is the persisted watermark as unix seconds
	CheckpointTimestampSeconds Gauge = NoopStat{}

	// CheckpointLagSeconds is wall clock minus the persisted watermark
	CheckpointLagSeconds Gauge = NoopStat{}

	// CheckpointSavesTotal counts checkpoint writes by result
	CheckpointSavesTotal CounterVec = noopCounterVec{}

	// BlockedRows tracks rows holding the checkpoint back
	BlockedRows Gauge = NoopStat{}

	// PendingRows tracks tracked rows that are not yet terminal
	PendingRows Gauge = NoopStat{}
)

// Stats Metrics
var (
	// StatsSamplesDropped counts latency samples dropped by a full buffer
	StatsSamplesDropped Counter = NoopStat{}

	// NotifySignalsTotal counts terminal-outcome signals emitted by the hub
	NotifySignalsTotal Counter = NoopStat{}

	// NotifySignalsDropped counts signals lost to a full subscriber buffer
	NotifySignalsDropped Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	RowsReadTotal = NewCounter(
		"rows_read_total",
		"Total rows returned by the source",
	)
	PollsTotal = NewCounterVec(
		"polls_total",
		"Source polls by result",
		[]string{"result"},
	)
	PollDurationSeconds = NewHistogramWithBuckets(
		"poll_duration_seconds",
		"Source query latency in seconds",
		PollBuckets,
	)
	PollBatchRows = NewHistogramWithBuckets(
		"poll_batch_rows",
		"Rows returned per poll",
		BatchBuckets,
	)
	ReadErrorsTotal = NewCounter(
		"read_errors_total",
		"Total transient source read failures",
	)

	RowsPublishedTotal = NewCounter(
		"rows_published_total",
		"Total rows published and acknowledged",
	)
	RowsFailedTotal = NewCounterVec(
		"rows_failed_total",
		"Terminal non-success rows by kind",
		[]string{"kind"},
	)
	PublishAttemptsTotal = NewCounterVec(
		"publish_attempts_total",
		"Broker publish attempts by result",
		[]string{"result"},
	)
	PublishLatencySeconds = NewHistogramWithBuckets(
		"publish_latency_seconds",
		"Read to acknowledgement latency in seconds",
		PublishBuckets,
	)
	InFlightRows = NewGauge(
		"inflight_rows",
		"Rows currently being processed",
	)

	CheckpointTimestampSeconds = NewGauge(
		"checkpoint_timestamp_seconds",
		"Persisted checkpoint as unix seconds",
	)
	CheckpointLagSeconds = NewGauge(
		"checkpoint_lag_seconds",
		"Seconds between now and the persisted checkpoint",
	)
	CheckpointSavesTotal = NewCounterVec(
		"checkpoint_saves_total",
		"Checkpoint writes by result",
		[]string{"result"},
	)
	BlockedRows = NewGauge(
		"blocked_rows",
		"Rows blocking checkpoint advancement",
	)
	PendingRows = NewGauge(
		"pending_rows",
		"Tracked rows not yet terminal",
	)

	StatsSamplesDropped = NewCounter(
		"stats_samples_dropped_total",
		"Latency samples dropped because the stats buffer was full",
	)

	NotifySignalsTotal = NewCounter(
		"notify_signals_total",
		"Terminal-outcome signals emitted to subscribers",
	)

	NotifySignalsDropped = NewCounter(
		"notify_signals_dropped_total",
		"Signal deliveries skipped because a subscriber buffer was full",
	)
}
