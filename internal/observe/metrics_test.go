package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxwire/voxwire/internal/event"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxwire.probe.latency", m.ProbeLatency},
		{"voxwire.playback.scheduling_delay", m.SchedulingDelay},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.012)
		tc.h.Record(ctx, 0.034)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestDroppedChunksCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	overflow := metric.WithAttributes(attribute.String("reason", "overflow"))
	m.DroppedChunks.Add(ctx, 1, overflow)
	m.DroppedChunks.Add(ctx, 1, overflow)
	m.DroppedChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "retries")))

	rm := collect(t, reader)
	met := findMetric(rm, "voxwire.backpressure.dropped_chunks")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	// Find the data point with reason=overflow.
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "reason" && kv.Value.AsString() == "overflow" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with reason=overflow not found")
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "voxwire.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "voxwire.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestRecordEvents(t *testing.T) {
	m, reader := newTestMetrics(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := make(chan event.Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.RecordEvents(ctx, sub)
	}()

	sub <- event.BargeIn{TurnID: "turn-1", At: time.Now()}
	sub <- event.Truncation{TurnID: "turn-1", Received: 5, Played: 3, MissingChunks: 2}
	sub <- event.BufferPressure{Buffer: "outbound", Level: "high", Occupied: 900, Capacity: 1000}
	sub <- event.QualityChange{Score: 0.42, Tier: "low"}
	close(sub)
	<-done

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"voxwire.vad.barge_ins", 1},
		{"voxwire.jitter.truncations", 1},
		{"voxwire.buffer.pressure_events", 1},
	}
	for _, tc := range counters {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("metric %q is not a sum", tc.name)
		}
		if len(sum.DataPoints) == 0 {
			t.Fatalf("metric %q has no data points", tc.name)
		}
		if got := sum.DataPoints[0].Value; got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}

	met := findMetric(rm, "voxwire.quality.score")
	if met == nil {
		t.Fatal("quality score gauge not found")
	}
	g, ok := met.Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatal("quality score is not a gauge")
	}
	if len(g.DataPoints) == 0 || g.DataPoints[0].Value != 0.42 {
		t.Errorf("quality score = %+v, want 0.42", g.DataPoints)
	}
}

func TestRecordEvents_CountersSnapshots(t *testing.T) {
	m, reader := newTestMetrics(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := make(chan event.Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.RecordEvents(ctx, sub)
	}()

	sub <- event.Metrics{Name: "capture_ring", Values: map[string]int64{"overruns": 3, "underruns": 1}}
	sub <- event.Metrics{Name: "backpressure", Values: map[string]int64{"dropped_overflow": 2}}
	sub <- event.Metrics{Name: "quality", Values: map[string]int64{"probe_latency_us": 25000}}
	sub <- event.Metrics{Name: "playback", Values: map[string]int64{"scheduling_delay_us": 4000}}
	sub <- event.Metrics{Name: "unknown_component", Values: map[string]int64{"whatever": 9}}
	close(sub)
	<-done

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"voxwire.ring.overruns", 3},
		{"voxwire.ring.underruns", 1},
		{"voxwire.backpressure.dropped_chunks", 2},
	}
	for _, tc := range counters {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok {
			t.Fatalf("metric %q is not a sum", tc.name)
		}
		if len(sum.DataPoints) == 0 {
			t.Fatalf("metric %q has no data points", tc.name)
		}
		if got := sum.DataPoints[0].Value; got != tc.want {
			t.Errorf("%s = %d, want %d", tc.name, got, tc.want)
		}
	}

	histograms := []struct {
		name string
		want float64
	}{
		{"voxwire.probe.latency", 0.025},
		{"voxwire.playback.scheduling_delay", 0.004},
	}
	for _, tc := range histograms {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("metric %q is not a histogram", tc.name)
		}
		if len(hist.DataPoints) == 0 {
			t.Fatalf("metric %q has no data points", tc.name)
		}
		dp := hist.DataPoints[0]
		if dp.Count != 1 || dp.Sum != tc.want {
			t.Errorf("%s: count %d sum %v, want 1 sample of %v", tc.name, dp.Count, dp.Sum, tc.want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
