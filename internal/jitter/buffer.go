// Package jitter reassembles bursty, irregular inbound audio chunks into
// continuous playback.
//
// A [Buffer] queues chunks in strict arrival order, keyed to the turn (one
// server utterance) they belong to, and gates playback start behind a
// minimum fill level so a network burst pause does not cause an audible
// gap right after the first chunk. A [Scheduler] drains the buffer onto an
// [audio.Sink] along a continuous timeline so consecutive chunks render
// back-to-back without gaps or overlap.
//
// The buffer is written by the network-receive path and drained by the
// playback path; both entry points serialize on an internal mutex.
package jitter

import (
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/event"
	"github.com/voxwire/voxwire/pkg/audio"
)

const (
	// defaultMinFill is the number of chunks required before playback of
	// a new turn starts, absent an early-start condition.
	defaultMinFill = 2

	// maxMinFill caps the adaptive fill threshold.
	maxMinFill = 6

	// defaultGracePeriod is how long the buffer may sit below the fill
	// gate with no new arrivals before playback starts anyway.
	defaultGracePeriod = 250 * time.Millisecond
)

// BufferOption is a functional option for configuring a [Buffer].
type BufferOption func(*Buffer)

// WithMinFill sets the initial (and floor) fill gate in chunks.
func WithMinFill(n int) BufferOption {
	return func(b *Buffer) {
		b.fillFloor = n
		b.minFill = n
	}
}

// WithGracePeriod sets the early-start grace period.
func WithGracePeriod(d time.Duration) BufferOption {
	return func(b *Buffer) { b.grace = d }
}

// Buffer is the inbound jitter buffer. Chunks are played strictly FIFO in
// arrival order within a turn; the Sequence field is used only for
// diagnostics.
type Buffer struct {
	mu sync.Mutex

	queue       []audio.Chunk
	turns       *turnRegistry
	lastArrival time.Time

	minFill   int
	fillFloor int
	grace     time.Duration

	// started is true once the fill gate has been passed for the stream;
	// it resets when the queue fully drains between turns or on flush.
	started bool

	// expectingMore is false once the active turn's final signal arrives
	// and no newer turn has started.
	expectingMore bool

	stalls int

	events *event.Fanout
}

// NewBuffer creates a jitter buffer that publishes diagnostics to events.
func NewBuffer(events *event.Fanout, opts ...BufferOption) *Buffer {
	b := &Buffer{
		turns:     newTurnRegistry(),
		minFill:   defaultMinFill,
		fillFloor: defaultMinFill,
		grace:     defaultGracePeriod,
		events:    events,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Configure applies options to a live buffer. A new fill gate takes
// effect at the next turn boundary; the adaptive gate keeps ratcheting
// from the new floor.
func (b *Buffer) Configure(opts ...BufferOption) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range opts {
		o(b)
	}
	if b.minFill < b.fillFloor {
		b.minFill = b.fillFloor
	}
}

// Enqueue adds an inbound chunk. The chunk's turn is created on first
// reference.
func (b *Buffer) Enqueue(chunk audio.Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if chunk.Received.IsZero() {
		chunk.Received = time.Now()
	}
	t := b.turns.observe(chunk.TurnID)
	t.ReceivedCount++
	b.queue = append(b.queue, chunk)
	b.lastArrival = chunk.Received
	b.expectingMore = true
}

// OnTurnFinal records that the server finished generating turnID. Pending
// chunks of that turn still play out; once drained the turn resolves.
func (b *Buffer) OnTurnFinal(turnID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.turns.observe(turnID)
	t.EndSignalReceived = true
	b.expectingMore = false
	b.resolveLocked(t)
}

// Next pops the next chunk if the playback gate allows it. The gate holds
// a new stream until minFill chunks are queued, unless an early-start
// condition applies: the queue is non-empty and either no chunk has
// arrived within the grace period, the active turn's final signal has
// arrived, or no more chunks are expected.
func (b *Buffer) Next() (audio.Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		// A drain while more chunks are expected is a stall: raise the
		// fill gate so the next turn buffers deeper before starting.
		if b.started && b.expectingMore {
			b.stalls++
			if b.minFill < maxMinFill {
				b.minFill++
			}
			b.started = false
		}
		return audio.Chunk{}, false
	}

	if !b.started && len(b.queue) < b.minFill && !b.earlyStartLocked() {
		return audio.Chunk{}, false
	}
	b.started = true

	chunk := b.queue[0]
	b.queue = b.queue[1:]
	return chunk, true
}

// earlyStartLocked reports whether playback may begin below the fill gate.
func (b *Buffer) earlyStartLocked() bool {
	if !b.expectingMore {
		return true
	}
	if time.Since(b.lastArrival) > b.grace {
		return true
	}
	if t, ok := b.turns.get(b.queue[0].TurnID); ok && t.EndSignalReceived {
		return true
	}
	return false
}

// MarkPlayed records that a chunk of turnID finished rendering and
// resolves the turn if it has fully drained.
func (b *Buffer) MarkPlayed(turnID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.turns.observe(turnID)
	t.PlayedCount++
	b.resolveLocked(t)
}

// MarkSkipped records that a chunk of turnID was discarded (decode
// failure). The chunk counts as received but never played, which surfaces
// in the turn's truncation diagnostic.
func (b *Buffer) MarkSkipped(turnID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.turns.observe(turnID)
	b.resolveLocked(t)
}

// Flush discards all queued chunks. This is the only path that drops
// unplayed audio intentionally (barge-in or session reset), so affected
// turns resolve without a truncation diagnostic. The adaptive fill gate
// returns to its floor.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.queue {
		b.turns.observe(c.TurnID).resolved = true
	}
	b.queue = nil
	b.started = false
	b.expectingMore = false
	b.minFill = b.fillFloor
}

// Len returns the number of queued chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// MinFill returns the current adaptive fill gate. Intended for metrics.
func (b *Buffer) MinFill() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minFill
}

// Turns returns a diagnostic snapshot of retained turns, oldest first.
func (b *Buffer) Turns() []Turn {
	return b.turns.snapshot()
}

// resolveLocked checks whether t has fully drained and, if so, emits its
// truncation diagnostic exactly once when chunks went missing.
func (b *Buffer) resolveLocked(t *Turn) {
	if !t.EndSignalReceived || t.resolved {
		return
	}
	if b.queuedForLocked(t.ID) > 0 {
		return
	}
	t.resolved = true

	if t.PlayedCount != t.ReceivedCount {
		b.events.Publish(event.Truncation{
			TurnID:        t.ID,
			Received:      t.ReceivedCount,
			Played:        t.PlayedCount,
			MissingChunks: t.ReceivedCount - t.PlayedCount,
		})
	}
}

// queuedForLocked counts queued chunks belonging to turnID.
func (b *Buffer) queuedForLocked(turnID string) int {
	n := 0
	for _, c := range b.queue {
		if c.TurnID == turnID {
			n++
		}
	}
	return n
}
