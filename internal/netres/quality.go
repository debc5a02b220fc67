package netres

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/event"
)

// Tier is a quality band mapping to recommended audio settings.
type Tier int

const (
	// TierLow is the conservative band: long chunks, compression, deep
	// buffers.
	TierLow Tier = iota

	// TierMedium trades some latency for resilience.
	TierMedium

	// TierHigh is the low-latency band used on healthy networks.
	TierHigh
)

// String returns the human-readable tier name.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Settings returns the audio settings recommended for the tier.
func (t Tier) Settings() event.AudioSettings {
	switch t {
	case TierHigh:
		return event.AudioSettings{SampleRate: 16000, ChunkMillis: 20, Compress: false, BufferBlocks: 4}
	case TierMedium:
		return event.AudioSettings{SampleRate: 16000, ChunkMillis: 40, Compress: true, BufferBlocks: 8}
	default:
		return event.AudioSettings{SampleRate: 16000, ChunkMillis: 60, Compress: true, BufferBlocks: 16}
	}
}

// QualitySample is one latency probe observation.
type QualitySample struct {
	Timestamp time.Time
	Latency   time.Duration
	Success   bool
}

const (
	// qualityHistorySize bounds the rolling probe history.
	qualityHistorySize = 30

	defaultProbeInterval = 2 * time.Second

	// Latency normalization anchors for the quality score.
	latencyCeiling   = 500 * time.Millisecond
	stabilityCeiling = 200 * time.Millisecond

	highTierScore      = 0.8
	highTierMaxLatency = 100 * time.Millisecond
	mediumTierScore    = 0.5
)

// ProbeFunc measures one round-trip to the remote service and returns the
// observed latency.
type ProbeFunc func(ctx context.Context) (time.Duration, error)

// QualityOption is a functional option for [NewQualityMonitor].
type QualityOption func(*QualityMonitor)

// WithProbeInterval overrides the probe period. Useful in tests.
func WithProbeInterval(d time.Duration) QualityOption {
	return func(q *QualityMonitor) { q.interval = d }
}

// QualityMonitor probes network latency periodically, derives a quality
// score in [0, 1], and recommends audio settings tiers with hysteresis so
// settings only change when the tier actually moves.
//
// All methods are safe for concurrent use.
type QualityMonitor struct {
	mu sync.Mutex

	probe    ProbeFunc
	events   *event.Fanout
	interval time.Duration

	history []QualitySample
	tier    Tier
	offline bool

	// resumedConservative marks that the next recommendation after an
	// offline period must not jump straight back to the high tier.
	resumedConservative bool
}

// NewQualityMonitor creates a monitor using probe for measurements.
// The initial tier is medium until enough history accumulates.
func NewQualityMonitor(probe ProbeFunc, events *event.Fanout, opts ...QualityOption) *QualityMonitor {
	q := &QualityMonitor{
		probe:    probe,
		events:   events,
		interval: defaultProbeInterval,
		tier:     TierMedium,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Run probes at the configured interval until ctx is cancelled.
func (q *QualityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.MeasureQuality(ctx)
		}
	}
}

// MeasureQuality runs one probe, records the sample, and re-evaluates the
// recommended tier. While offline, probing is suppressed.
func (q *QualityMonitor) MeasureQuality(ctx context.Context) {
	q.mu.Lock()
	if q.offline {
		q.mu.Unlock()
		return
	}
	probe := q.probe
	q.mu.Unlock()

	start := time.Now()
	latency, err := probe(ctx)
	if err != nil {
		latency = time.Since(start)
	}

	q.events.Publish(event.Metrics{Name: "quality", Values: map[string]int64{
		"probe_latency_us": latency.Microseconds(),
	}})

	q.mu.Lock()
	q.recordLocked(QualitySample{Timestamp: time.Now(), Latency: latency, Success: err == nil})
	q.evaluateLocked()
	q.mu.Unlock()
}

// Record adds an externally observed sample (e.g. a send round-trip) to
// the history without probing.
func (q *QualityMonitor) Record(sample QualitySample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recordLocked(sample)
	q.evaluateLocked()
}

// Score returns the current quality score in [0, 1], combining average
// latency, success rate, and latency variance (stability). An empty
// history scores 0.5 (unknown).
func (q *QualityMonitor) Score() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scoreLocked()
}

// Tier returns the currently recommended tier.
func (q *QualityMonitor) Tier() Tier {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tier
}

// Recommendation returns the audio settings for the current tier.
func (q *QualityMonitor) Recommendation() event.AudioSettings {
	return q.Tier().Settings()
}

// SetOffline flips the offline state. Going offline suppresses probing;
// coming back online clears the history and forces the next
// recommendation to resume at a conservative tier rather than jumping
// straight back to high quality.
func (q *QualityMonitor) SetOffline(offline bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.offline == offline {
		return
	}
	q.offline = offline
	if offline {
		slog.Info("network offline, quality probing suspended")
		return
	}
	slog.Info("network restored, resuming at conservative quality tier")
	q.history = nil
	q.resumedConservative = true
	q.setTierLocked(TierLow)
}

// recordLocked appends to the bounded history.
func (q *QualityMonitor) recordLocked(sample QualitySample) {
	q.history = append(q.history, sample)
	if len(q.history) > qualityHistorySize {
		q.history = q.history[len(q.history)-qualityHistorySize:]
	}
}

// evaluateLocked maps the current score onto a tier and publishes a
// settings change when the tier moves.
func (q *QualityMonitor) evaluateLocked() {
	if len(q.history) < 3 {
		return
	}

	score := q.scoreLocked()
	avgLatency := q.avgLatencyLocked()

	var next Tier
	switch {
	case score >= highTierScore && avgLatency < highTierMaxLatency:
		next = TierHigh
	case score >= mediumTierScore:
		next = TierMedium
	default:
		next = TierLow
	}

	// One step at a time on the way up after an offline period.
	if q.resumedConservative && next > q.tier+1 {
		next = q.tier + 1
	}
	if next >= TierHigh {
		q.resumedConservative = false
	}

	q.setTierLocked(next)
}

// setTierLocked updates the tier and emits a QualityChange only on actual
// transitions.
func (q *QualityMonitor) setTierLocked(next Tier) {
	if next == q.tier {
		return
	}
	q.tier = next
	slog.Info("quality tier changed", "tier", next, "score", q.scoreLocked())
	q.events.Publish(event.QualityChange{
		Score:    q.scoreLocked(),
		Tier:     next.String(),
		Settings: next.Settings(),
	})
}

func (q *QualityMonitor) scoreLocked() float64 {
	n := len(q.history)
	if n == 0 {
		return 0.5
	}

	successes := 0
	var latencySum time.Duration
	for _, s := range q.history {
		if s.Success {
			successes++
		}
		latencySum += s.Latency
	}
	successRate := float64(successes) / float64(n)
	avg := latencySum / time.Duration(n)

	latencyScore := 1 - float64(avg)/float64(latencyCeiling)
	latencyScore = clamp01(latencyScore)

	// Stability: normalized standard deviation of latency.
	var varSum float64
	for _, s := range q.history {
		d := float64(s.Latency - avg)
		varSum += d * d
	}
	stddev := math.Sqrt(varSum / float64(n))
	stabilityScore := clamp01(1 - stddev/float64(stabilityCeiling))

	return clamp01(0.4*latencyScore + 0.4*successRate + 0.2*stabilityScore)
}

func (q *QualityMonitor) avgLatencyLocked() time.Duration {
	if len(q.history) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range q.history {
		sum += s.Latency
	}
	return sum / time.Duration(len(q.history))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
