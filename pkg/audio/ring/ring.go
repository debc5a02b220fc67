// Package ring implements the adaptive ring buffer that decouples the
// irregular cadence of audio-device callbacks from irregular network I/O.
//
// A [Buffer] is a fixed-capacity circular PCM16 sample buffer whose capacity
// adapts to observed fill levels within configured bounds. Overruns grow the
// buffer (or drop the oldest samples once at maximum capacity) and underruns
// are zero-filled, so neither side of the buffer ever blocks.
//
// A Buffer is NOT safe for concurrent use. All calls must come from the
// single owning execution context; callers that bridge the device callback
// and the network path must serialize access themselves.
package ring

import "fmt"

const (
	// fillWindow is the number of recent operations whose fill levels feed
	// the adaptive resize decision.
	fillWindow = 64

	// expandFillRatio triggers expansion when the average fill level over
	// the window exceeds it.
	expandFillRatio = 0.9

	// shrinkFillRatio triggers shrinking when the average fill level over
	// the window falls below it.
	shrinkFillRatio = 0.1

	// expandFactor and shrinkFactor scale the capacity on adaptive resize.
	expandFactor = 1.5
	shrinkFactor = 0.5
)

// Metrics is a snapshot of buffer state and lifetime counters.
type Metrics struct {
	Capacity  int
	Count     int
	Overruns  int
	Underruns int
	Expands   int
	Shrinks   int
	// DroppedSamples counts samples discarded by the overrun policy
	// (oldest-first, only ever at maximum capacity).
	DroppedSamples int
}

// Buffer is an adaptive circular PCM16 sample buffer.
type Buffer struct {
	data  []int16
	read  int
	write int
	count int

	minSize int
	maxSize int

	fills   [fillWindow]float64
	fillPos int
	fillN   int

	overruns  int
	underruns int
	expands   int
	shrinks   int
	dropped   int
}

// New creates a buffer with the given initial capacity, bounded by
// [minSize, maxSize]. The initial capacity is clamped into the bounds.
func New(initial, minSize, maxSize int) (*Buffer, error) {
	if minSize <= 0 {
		return nil, fmt.Errorf("ring: min size must be positive, got %d", minSize)
	}
	if maxSize < minSize {
		return nil, fmt.Errorf("ring: max size %d below min size %d", maxSize, minSize)
	}
	if initial < minSize {
		initial = minSize
	}
	if initial > maxSize {
		initial = maxSize
	}
	return &Buffer{
		data:    make([]int16, initial),
		minSize: minSize,
		maxSize: maxSize,
	}, nil
}

// Write appends samples to the buffer and returns the number of samples
// written, which is always len(samples): if the free space is insufficient
// the buffer first doubles its capacity (up to the maximum) and, once at
// maximum, drops the oldest samples to make room. Only samples that cannot
// fit even after dropping everything older are themselves truncated from
// the front, so the newest audio always survives.
func (b *Buffer) Write(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}

	if len(samples) > b.free() {
		b.overruns++
		b.growFor(len(samples))
	}

	// A single write larger than the maximum capacity keeps only the tail.
	if len(samples) > len(b.data) {
		b.dropped += len(samples) - len(b.data)
		samples = samples[len(samples)-len(b.data):]
	}

	// Drop oldest to make room if still needed (at max capacity).
	if overflow := len(samples) - b.free(); overflow > 0 {
		b.discard(overflow)
		b.dropped += overflow
	}

	for _, s := range samples {
		b.data[b.write] = s
		b.write = (b.write + 1) % len(b.data)
	}
	b.count += len(samples)

	b.observeFill()
	b.maybeAdapt()
	return len(samples)
}

// Read removes and returns n samples. If fewer than n samples are buffered
// the remainder is zero-filled (silence) and the underrun counter is
// incremented once. Read never blocks.
func (b *Buffer) Read(n int) []int16 {
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)

	avail := b.count
	if avail > n {
		avail = n
	}
	for i := 0; i < avail; i++ {
		out[i] = b.data[b.read]
		b.read = (b.read + 1) % len(b.data)
	}
	b.count -= avail

	if avail < n {
		b.underruns++
	}

	b.observeFill()
	b.maybeAdapt()
	return out
}

// Resize changes the capacity to newSize (clamped into [min, max]),
// preserving unread samples in order. If the new capacity is smaller than
// the number of unread samples, the oldest samples are dropped.
func (b *Buffer) Resize(newSize int) {
	if newSize < b.minSize {
		newSize = b.minSize
	}
	if newSize > b.maxSize {
		newSize = b.maxSize
	}
	if newSize == len(b.data) {
		return
	}

	if b.count > newSize {
		drop := b.count - newSize
		b.discard(drop)
		b.dropped += drop
	}

	fresh := make([]int16, newSize)
	for i := 0; i < b.count; i++ {
		fresh[i] = b.data[(b.read+i)%len(b.data)]
	}
	b.data = fresh
	b.read = 0
	b.write = b.count % newSize
}

// Clear discards all buffered samples. Capacity and counters are retained.
func (b *Buffer) Clear() {
	b.read = 0
	b.write = 0
	b.count = 0
}

// Len returns the number of unread samples.
func (b *Buffer) Len() int { return b.count }

// Cap returns the current capacity in samples.
func (b *Buffer) Cap() int { return len(b.data) }

// Metrics returns a snapshot of the buffer state and counters.
func (b *Buffer) Metrics() Metrics {
	return Metrics{
		Capacity:       len(b.data),
		Count:          b.count,
		Overruns:       b.overruns,
		Underruns:      b.underruns,
		Expands:        b.expands,
		Shrinks:        b.shrinks,
		DroppedSamples: b.dropped,
	}
}

// free returns the number of writable slots.
func (b *Buffer) free() int { return len(b.data) - b.count }

// discard drops the n oldest samples. n must be ≤ count.
func (b *Buffer) discard(n int) {
	b.read = (b.read + n) % len(b.data)
	b.count -= n
}

// growFor doubles the capacity until incoming fits or max is reached.
func (b *Buffer) growFor(incoming int) {
	target := len(b.data)
	for target < b.maxSize && target-b.count < incoming {
		target *= 2
	}
	if target > b.maxSize {
		target = b.maxSize
	}
	if target != len(b.data) {
		b.Resize(target)
	}
}

// observeFill records the current fill level into the rolling window.
func (b *Buffer) observeFill() {
	b.fills[b.fillPos] = float64(b.count) / float64(len(b.data))
	b.fillPos = (b.fillPos + 1) % fillWindow
	if b.fillN < fillWindow {
		b.fillN++
	}
}

// maybeAdapt expands or shrinks the capacity based on the average fill
// level over the rolling window. The window resets after every adaptation
// so one burst cannot trigger a cascade of resizes.
func (b *Buffer) maybeAdapt() {
	if b.fillN < fillWindow {
		return
	}
	var sum float64
	for _, f := range b.fills {
		sum += f
	}
	avg := sum / fillWindow

	switch {
	case avg > expandFillRatio && len(b.data) < b.maxSize:
		b.Resize(int(float64(len(b.data)) * expandFactor))
		b.expands++
	case avg < shrinkFillRatio && len(b.data) > b.minSize:
		b.Resize(int(float64(len(b.data)) * shrinkFactor))
		b.shrinks++
	default:
		return
	}
	b.fillN = 0
	b.fillPos = 0
}
