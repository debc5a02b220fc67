package netres

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/event"
)

// Priority orders outbound messages under backpressure.
type Priority int

const (
	// PriorityNormal messages queue while the transport is backpressured.
	PriorityNormal Priority = iota

	// PriorityHigh messages (control traffic) bypass the queue and send
	// immediately regardless of backpressure.
	PriorityHigh
)

const (
	defaultHighWatermark = 32 * 1024
	defaultLowWatermark  = 8 * 1024
	defaultMaxWatermark  = 64 * 1024

	// defaultQueueLimit bounds the pending queue; overflow drops oldest.
	defaultQueueLimit = 256

	// watermarkWindow is the sample window for adaptive watermark tuning.
	watermarkWindow = 50

	// raiseTriggerRatio / lowerTriggerRatio bound the fraction of window
	// samples that saw backpressure before the high watermark moves.
	lowerTriggerRatio = 0.3
	raiseTriggerRatio = 0.1

	maxSendAttempts  = 4
	baseRetryBackoff = 50 * time.Millisecond
	maxRetryBackoff  = 2 * time.Second
)

// Sender is the outbound half of the transport as the backpressure
// manager sees it: a raw send plus introspection of the transport's own
// send-buffer occupancy.
type Sender interface {
	Send(data []byte) error
	Buffered() int
}

// BackpressureMetrics is a counters snapshot.
type BackpressureMetrics struct {
	Backpressured bool
	HighWatermark int
	QueueLen      int
	QueuedTotal   int64
	DroppedOldest int64
	FailedSends   int64
	Retries       int64
}

// BackpressureOption is a functional option for [NewBackpressure].
type BackpressureOption func(*Backpressure)

// WithWatermarks sets the initial high/low watermarks and the adaptive
// cap, in bytes.
func WithWatermarks(low, high, max int) BackpressureOption {
	return func(m *Backpressure) {
		m.low = low
		m.high = high
		m.max = max
	}
}

// WithQueueLimit bounds the pending message queue.
func WithQueueLimit(n int) BackpressureOption {
	return func(m *Backpressure) { m.queueLimit = n }
}

// Backpressure monitors the transport's send-buffer occupancy and queues,
// retries, or drops outbound chunks under load. All methods are safe for
// concurrent use.
type Backpressure struct {
	mu sync.Mutex

	sender Sender
	events *event.Fanout

	low  int
	high int
	max  int

	backpressured bool
	queue         [][]byte
	queueLimit    int

	// samples and buffered form the rolling observation window feeding
	// the adaptive watermark: whether each sample saw backpressure, and
	// the transport occupancy it saw.
	samples   [watermarkWindow]bool
	buffered  [watermarkWindow]int
	samplePos int
	sampleN   int

	retryTimers map[*time.Timer]struct{}
	destroyed   bool

	queuedTotal   int64
	droppedOldest int64
	failedSends   int64
	retries       int64
}

// NewBackpressure creates a manager around sender publishing advisories to
// events.
func NewBackpressure(sender Sender, events *event.Fanout, opts ...BackpressureOption) *Backpressure {
	m := &Backpressure{
		sender:      sender,
		events:      events,
		low:         defaultLowWatermark,
		high:        defaultHighWatermark,
		max:         defaultMaxWatermark,
		queueLimit:  defaultQueueLimit,
		retryTimers: make(map[*time.Timer]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Send transmits data, returning true when it went out immediately.
// High-priority messages always send immediately; normal-priority
// messages queue while the transport is backpressured. A false return
// means the message is queued (or dropped if the queue overflowed).
func (m *Backpressure) Send(data []byte, prio Priority) bool {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return false
	}

	if prio == PriorityHigh {
		m.mu.Unlock()
		m.sendWithRetry(data, 1)
		return true
	}

	if m.backpressured {
		m.enqueueLocked(data)
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.sendWithRetry(data, 1)
	return true
}

// CheckBackpressure samples the transport's buffered byte count, flips the
// backpressure state at watermark crossings, and tunes the adaptive high
// watermark. Call it periodically (~100ms) from the network context.
func (m *Backpressure) CheckBackpressure() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}

	buffered := m.sender.Buffered()

	switch {
	case !m.backpressured && buffered > m.high:
		m.backpressured = true
		slog.Debug("backpressure engaged", "buffered", buffered, "high_watermark", m.high)
		m.events.Publish(event.BufferPressure{
			Buffer:   "outbound",
			Level:    "high",
			Occupied: buffered,
			Capacity: m.max,
		})
	case m.backpressured && buffered < m.low:
		m.backpressured = false
		slog.Debug("backpressure released", "buffered", buffered, "low_watermark", m.low)
	}

	m.observeLocked(m.backpressured, buffered)
	m.adaptWatermarkLocked()

	drain := !m.backpressured && len(m.queue) > 0
	m.mu.Unlock()

	if drain {
		m.ProcessQueue()
	}
}

// ProcessQueue drains queued messages in FIFO order until the queue is
// empty or backpressure re-engages.
func (m *Backpressure) ProcessQueue() {
	for {
		m.mu.Lock()
		if m.destroyed || m.backpressured || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		data := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.sendWithRetry(data, 1)
	}
}

// Backpressured reports the current state.
func (m *Backpressure) Backpressured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backpressured
}

// Metrics returns a counters snapshot.
func (m *Backpressure) Metrics() BackpressureMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return BackpressureMetrics{
		Backpressured: m.backpressured,
		HighWatermark: m.high,
		QueueLen:      len(m.queue),
		QueuedTotal:   m.queuedTotal,
		DroppedOldest: m.droppedOldest,
		FailedSends:   m.failedSends,
		Retries:       m.retries,
	}
}

// Clear drops all queued messages. Used on sustained network loss so a
// reconnect does not replay a backlog of stale audio.
func (m *Backpressure) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
}

// Destroy cancels pending retries and marks the manager inert. Safe to
// call more than once.
func (m *Backpressure) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.destroyed = true
	m.queue = nil
	for timer := range m.retryTimers {
		timer.Stop()
	}
	m.retryTimers = make(map[*time.Timer]struct{})
}

// enqueueLocked appends to the bounded queue, dropping the oldest entry
// on overflow; the newest audio always survives.
func (m *Backpressure) enqueueLocked(data []byte) {
	if len(m.queue) >= m.queueLimit {
		m.queue = m.queue[1:]
		m.droppedOldest++
		m.events.Publish(event.Metrics{Name: "backpressure", Values: map[string]int64{
			"dropped_overflow": 1,
		}})
	}
	m.queue = append(m.queue, data)
	m.queuedTotal++
}

// sendWithRetry attempts the send and schedules a jittered exponential
// backoff retry on failure. Exceeding the attempt cap drops the message
// and counts a failed transmission, terminal for that one chunk, never
// fatal for the session.
func (m *Backpressure) sendWithRetry(data []byte, attempt int) {
	err := m.sender.Send(data)
	if err == nil {
		return
	}

	if attempt >= maxSendAttempts {
		m.mu.Lock()
		m.failedSends++
		m.mu.Unlock()
		slog.Warn("outbound chunk dropped after retries", "attempts", attempt, "err", err)
		m.events.Publish(event.Metrics{Name: "backpressure", Values: map[string]int64{
			"dropped_retries": 1,
		}})
		m.events.Publish(event.Error{
			Severity: event.SeverityWarning,
			Op:       "backpressure.send",
			Err:      err,
		})
		return
	}

	delay := retryDelay(attempt)

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.retries++
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.retryTimers, timer)
		dead := m.destroyed
		m.mu.Unlock()
		if dead {
			return
		}
		m.sendWithRetry(data, attempt+1)
	})
	m.retryTimers[timer] = struct{}{}
	m.mu.Unlock()
}

// observeLocked records one backpressure observation in the rolling
// window.
func (m *Backpressure) observeLocked(pressured bool, buffered int) {
	m.samples[m.samplePos] = pressured
	m.buffered[m.samplePos] = buffered
	m.samplePos = (m.samplePos + 1) % watermarkWindow
	if m.sampleN < watermarkWindow {
		m.sampleN++
	}
}

// adaptWatermarkLocked lowers the high watermark when backpressure
// triggers frequently and raises it when it rarely triggers AND the
// window's average occupancy sat below the low watermark, bounded by
// [low, max]. The occupancy condition keeps a quiet-but-loaded transport
// from ratcheting the watermark up right under the saturation point.
// The window resets after each move.
func (m *Backpressure) adaptWatermarkLocked() {
	if m.sampleN < watermarkWindow {
		return
	}
	pressured := 0
	var occupancy int64
	for i, s := range m.samples {
		if s {
			pressured++
		}
		occupancy += int64(m.buffered[i])
	}
	ratio := float64(pressured) / watermarkWindow
	avgBuffered := int(occupancy / watermarkWindow)

	switch {
	case ratio > lowerTriggerRatio && m.high > m.low*2:
		m.high = m.high * 3 / 4
		if m.high < m.low*2 {
			m.high = m.low * 2
		}
		slog.Debug("high watermark lowered", "high_watermark", m.high)
	case ratio < raiseTriggerRatio && avgBuffered < m.low && m.high < m.max:
		m.high = m.high * 5 / 4
		if m.high > m.max {
			m.high = m.max
		}
	default:
		return
	}
	m.sampleN = 0
	m.samplePos = 0
}

// retryDelay computes jittered exponential backoff for the given attempt
// so simultaneous chunk failures do not produce a synchronized retry
// storm.
func retryDelay(attempt int) time.Duration {
	d := baseRetryBackoff << (attempt - 1)
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	// Full jitter: uniform in [d/2, d).
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}
