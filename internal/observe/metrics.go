// Package observe provides application-wide observability primitives
// for the media worker: OpenTelemetry metrics and the Prometheus
// exporter bridge that serves them on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A
// package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all worker metrics.
const meterName = "github.com/vollawetscher/media-worker"

// Metrics holds all OpenTelemetry metric instruments for the worker.
// All fields are safe for concurrent use — the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// --- Counters ---

	// ClaimAttempts counts room claim attempts. Attributes:
	//   attribute.String("method", "realtime|notify|polling|startup"),
	//   attribute.String("outcome", "won|lost|error")
	ClaimAttempts metric.Int64Counter

	// TranscriptRows counts transcript rows entering the sink. Attribute:
	//   attribute.String("outcome", "written|dropped")
	TranscriptRows metric.Int64Counter

	// HeartbeatFailures counts failed heartbeat writes.
	HeartbeatFailures metric.Int64Counter

	// WorkersReaped counts stale workers reaped by this process.
	WorkersReaped metric.Int64Counter

	// AIJobs counts post-call analysis jobs. Attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	AIJobs metric.Int64Counter

	// ProviderErrors counts STT provider protocol errors.
	ProviderErrors metric.Int64Counter

	// --- Histograms ---

	// BatchFlushDuration tracks transcript batch insert latency.
	BatchFlushDuration metric.Float64Histogram

	// STTSessionDuration tracks full session lifetimes in seconds.
	STTSessionDuration metric.Float64Histogram

	// RoomDuration tracks claimed-room processing time in seconds.
	RoomDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of open STT sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks connected human participants.
	ActiveParticipants metric.Int64UpDownCounter
}

// flushBuckets covers the expected transcript batch insert latencies.
var flushBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the
// given [metric.MeterProvider]. Returns an error if any instrument
// creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ClaimAttempts, err = m.Int64Counter("mediaworker.claims",
		metric.WithDescription("Room claim attempts by discovery method and outcome."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptRows, err = m.Int64Counter("mediaworker.transcript.rows",
		metric.WithDescription("Transcript rows by outcome (written or dropped)."),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatFailures, err = m.Int64Counter("mediaworker.heartbeat.failures",
		metric.WithDescription("Failed heartbeat writes."),
	); err != nil {
		return nil, err
	}
	if met.WorkersReaped, err = m.Int64Counter("mediaworker.workers.reaped",
		metric.WithDescription("Stale workers reaped by this process."),
	); err != nil {
		return nil, err
	}
	if met.AIJobs, err = m.Int64Counter("mediaworker.ai.jobs",
		metric.WithDescription("Post-call analysis jobs by type and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("mediaworker.provider.errors",
		metric.WithDescription("STT provider protocol errors."),
	); err != nil {
		return nil, err
	}

	if met.BatchFlushDuration, err = m.Float64Histogram("mediaworker.sink.flush.duration",
		metric.WithDescription("Transcript batch insert latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(flushBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTSessionDuration, err = m.Float64Histogram("mediaworker.stt.session.duration",
		metric.WithDescription("STT session lifetime."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.RoomDuration, err = m.Float64Histogram("mediaworker.room.duration",
		metric.WithDescription("Time spent processing a claimed room."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("mediaworker.active_sessions",
		metric.WithDescription("Open STT sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("mediaworker.active_participants",
		metric.WithDescription("Connected human participants."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating
// it on first call using [otel.GetMeterProvider]. Subsequent calls
// return the same pointer. Panics if instrument creation fails (should
// not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordClaim records one claim attempt with the standard attribute set.
func (m *Metrics) RecordClaim(ctx context.Context, method, outcome string) {
	m.ClaimAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTranscriptRows records n rows with the given outcome
// ("written" or "dropped").
func (m *Metrics) RecordTranscriptRows(ctx context.Context, outcome string, n int64) {
	m.TranscriptRows.Add(ctx, n,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordAIJob records one analysis job outcome.
func (m *Metrics) RecordAIJob(ctx context.Context, jobType, status string) {
	m.AIJobs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", jobType),
			attribute.String("status", status),
		),
	)
}
