// Package observe provides application-wide observability primitives for
// voxwire: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxwire/voxwire/internal/event"
)

// meterName is the instrumentation scope name used for all voxwire metrics.
const meterName = "github.com/voxwire/voxwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ProbeLatency tracks network quality probe round-trips.
	ProbeLatency metric.Float64Histogram

	// SchedulingDelay tracks how far behind the continuous timeline each
	// playback chunk actually started.
	SchedulingDelay metric.Float64Histogram

	// --- Counters ---

	// RingOverruns counts capture ring overruns.
	RingOverruns metric.Int64Counter

	// RingUnderruns counts zero-filled reads.
	RingUnderruns metric.Int64Counter

	// BargeIns counts user interruptions of active playback.
	BargeIns metric.Int64Counter

	// Truncations counts turns that completed with unplayed chunks.
	Truncations metric.Int64Counter

	// DroppedChunks counts outbound chunks lost to queue overflow or
	// exhausted retries. Use with attribute:
	//   attribute.String("reason", "overflow"|"retries")
	DroppedChunks metric.Int64Counter

	// PressureEvents counts buffer pressure advisories by buffer name.
	PressureEvents metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QualityScore records the latest network quality score.
	QualityScore metric.Float64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for transport-level latencies.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ProbeLatency, err = m.Float64Histogram("voxwire.probe.latency",
		metric.WithDescription("Network quality probe round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SchedulingDelay, err = m.Float64Histogram("voxwire.playback.scheduling_delay",
		metric.WithDescription("Delay between a chunk's scheduled and actual start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RingOverruns, err = m.Int64Counter("voxwire.ring.overruns",
		metric.WithDescription("Capture ring overruns."),
	); err != nil {
		return nil, err
	}
	if met.RingUnderruns, err = m.Int64Counter("voxwire.ring.underruns",
		metric.WithDescription("Capture ring zero-filled reads."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxwire.vad.barge_ins",
		metric.WithDescription("User interruptions of active playback."),
	); err != nil {
		return nil, err
	}
	if met.Truncations, err = m.Int64Counter("voxwire.jitter.truncations",
		metric.WithDescription("Turns completed with received-but-unplayed chunks."),
	); err != nil {
		return nil, err
	}
	if met.DroppedChunks, err = m.Int64Counter("voxwire.backpressure.dropped_chunks",
		metric.WithDescription("Outbound chunks dropped, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PressureEvents, err = m.Int64Counter("voxwire.buffer.pressure_events",
		metric.WithDescription("Buffer pressure advisories by buffer name and level."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxwire.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.QualityScore, err = m.Float64Gauge("voxwire.quality.score",
		metric.WithDescription("Latest network quality score in [0, 1]."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxwire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEvents consumes a diagnostics subscription and maps its events to
// metric instruments. It returns when the subscription closes or ctx is
// cancelled. Run it on its own goroutine per session.
func (m *Metrics) RecordEvents(ctx context.Context, sub <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case event.BargeIn:
				m.BargeIns.Add(ctx, 1)
			case event.Truncation:
				m.Truncations.Add(ctx, 1)
			case event.BufferPressure:
				m.PressureEvents.Add(ctx, 1, metric.WithAttributes(
					Attr("buffer", e.Buffer), Attr("level", e.Level),
				))
			case event.QualityChange:
				m.QualityScore.Record(ctx, e.Score)
			case event.Metrics:
				m.recordSnapshot(ctx, e)
			}
		}
	}
}

// recordSnapshot maps one counters snapshot from a pipeline component onto
// the matching instruments. Unknown names and keys are ignored so leaf
// packages can grow new counters without breaking the bridge.
func (m *Metrics) recordSnapshot(ctx context.Context, e event.Metrics) {
	switch e.Name {
	case "capture_ring":
		if n := e.Values["overruns"]; n > 0 {
			m.RingOverruns.Add(ctx, n)
		}
		if n := e.Values["underruns"]; n > 0 {
			m.RingUnderruns.Add(ctx, n)
		}
	case "backpressure":
		if n := e.Values["dropped_overflow"]; n > 0 {
			m.DroppedChunks.Add(ctx, n, metric.WithAttributes(Attr("reason", "overflow")))
		}
		if n := e.Values["dropped_retries"]; n > 0 {
			m.DroppedChunks.Add(ctx, n, metric.WithAttributes(Attr("reason", "retries")))
		}
	case "quality":
		if us, ok := e.Values["probe_latency_us"]; ok {
			m.ProbeLatency.Record(ctx, float64(us)/1e6)
		}
	case "playback":
		if us, ok := e.Values["scheduling_delay_us"]; ok {
			m.SchedulingDelay.Record(ctx, float64(us)/1e6)
		}
	}
}
