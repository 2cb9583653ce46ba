// Package observe provides observability primitives for parakeetd:
// OpenTelemetry metrics and a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter is installed by [InitProvider] so that everything remains
// scrapeable via the standard /metrics endpoint. Tests should use
// [NewMetrics] with a private [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parakeetd metrics.
const meterName = "github.com/MrWong99/parakeetd"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks the wall time of one worker batch call.
	InferenceDuration metric.Float64Histogram

	// QueueWait tracks the time a work item spent queued before its batch
	// started. Use with attribute.Int("priority", ...).
	QueueWait metric.Float64Histogram

	// TickDuration tracks the end-to-end latency of a partial tick, from
	// submission to resolved transcript.
	TickDuration metric.Float64Histogram

	// FinalDuration tracks the end-to-end latency of a final segment.
	FinalDuration metric.Float64Histogram

	// --- Batch shape ---

	// BatchSize records the number of items in each dispatched batch.
	BatchSize metric.Int64Histogram

	// --- Counters ---

	// TicksDropped counts partial ticks that produced no wire frame.
	// Use with attribute.String("reason", "decimated"|"timeout"|"queue_full"|"inference").
	TicksDropped metric.Int64Counter

	// SegmentsCut counts finalized segments. Use with
	// attribute.String("trigger", "silence"|"length"|"eos").
	SegmentsCut metric.Int64Counter

	// QueueRejections counts scheduler submissions refused with ErrQueueFull.
	QueueRejections metric.Int64Counter

	// SessionsRejected counts connections refused by admission control.
	SessionsRejected metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks the number of items currently queued in the
	// scheduler.
	QueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// streaming recognition latencies: ticks land in the tens of milliseconds,
// finals can take whole seconds under load.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// batchBuckets covers batch sizes up to the largest max_batch we expect.
var batchBuckets = []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InferenceDuration, err = m.Float64Histogram("parakeetd.inference.duration",
		metric.WithDescription("Wall time of one worker batch call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWait, err = m.Float64Histogram("parakeetd.queue.wait",
		metric.WithDescription("Time a work item spent queued before its batch started."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TickDuration, err = m.Float64Histogram("parakeetd.tick.duration",
		metric.WithDescription("End-to-end latency of a partial tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalDuration, err = m.Float64Histogram("parakeetd.final.duration",
		metric.WithDescription("End-to-end latency of a final segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BatchSize, err = m.Int64Histogram("parakeetd.batch.size",
		metric.WithDescription("Number of items in each dispatched batch."),
		metric.WithExplicitBucketBoundaries(batchBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TicksDropped, err = m.Int64Counter("parakeetd.ticks.dropped",
		metric.WithDescription("Partial ticks dropped before reaching the wire, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsCut, err = m.Int64Counter("parakeetd.segments.cut",
		metric.WithDescription("Finalized segments by cut trigger."),
	); err != nil {
		return nil, err
	}
	if met.QueueRejections, err = m.Int64Counter("parakeetd.queue.rejections",
		metric.WithDescription("Scheduler submissions refused because the queue was full."),
	); err != nil {
		return nil, err
	}
	if met.SessionsRejected, err = m.Int64Counter("parakeetd.sessions.rejected",
		metric.WithDescription("Connections refused by admission control."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parakeetd.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("parakeetd.queue.depth",
		metric.WithDescription("Items currently queued in the scheduler."),
	); err != nil {
		return nil, err
	}

	return met, nil
}
