package jitter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/event"
	"github.com/voxwire/voxwire/pkg/audio"
)

// maxConsecutiveDecodeFailures is how many chunks may fail to decode in a
// row before the scheduler reports a degraded-state error event. Playback
// continues either way; failed chunks are skipped, never replayed.
const maxConsecutiveDecodeFailures = 5

// Decoder turns wire bytes into playable PCM16. A nil Decoder on the
// Scheduler means chunks are already raw PCM and pass through unchanged.
type Decoder interface {
	Decode(data []byte) ([]byte, error)
}

// Scheduler drains a [Buffer] onto an [audio.Sink] along a continuous
// timeline: each chunk starts at max(nextStart, now) and advances
// nextStart by its decoded duration, so back-to-back chunks render
// gap-free without overlap even when individual Play calls are delayed.
//
// Tick is invoked by the receive path on arrival and by the sink's
// completion callback; both paths serialize on the internal mutex. At most
// one chunk is in flight at a time.
type Scheduler struct {
	mu sync.Mutex

	buf    *Buffer
	sink   audio.Sink
	dec    Decoder
	format audio.Format
	events *event.Fanout

	nextStart   time.Time
	inFlight    bool
	consecFails int
	destroyed   bool
	onState     func(playing bool)
}

// NewScheduler creates a scheduler draining buf onto sink. dec may be nil
// for uncompressed streams.
func NewScheduler(buf *Buffer, sink audio.Sink, dec Decoder, events *event.Fanout) *Scheduler {
	return &Scheduler{
		buf:    buf,
		sink:   sink,
		dec:    dec,
		format: sink.Format(),
		events: events,
	}
}

// SetDecoder swaps the decoder used for subsequent chunks. Pass nil to
// return to raw PCM passthrough. Used when adaptive quality toggles
// compression mid-session.
func (s *Scheduler) SetDecoder(dec Decoder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dec = dec
}

// OnStateChange registers a callback fired whenever rendering starts or
// stops. The session uses it to announce playback state to the remote.
// Register before traffic flows; the callback runs outside the lock.
func (s *Scheduler) OnStateChange(fn func(playing bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// Tick attempts to schedule the next chunk. It is a no-op while a chunk is
// in flight, when the buffer gate is closed, or after Destroy.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	before := s.inFlight
	s.tickLocked()
	after := s.inFlight
	fn := s.onState
	s.mu.Unlock()

	if fn != nil && before != after {
		fn(after)
	}
}

func (s *Scheduler) tickLocked() {
	for {
		if s.destroyed || s.inFlight {
			return
		}
		chunk, ok := s.buf.Next()
		if !ok {
			return
		}

		pcm, err := s.decode(chunk.Data)
		if err != nil {
			// One bad chunk must not stall the queue: skip and keep going.
			s.buf.MarkSkipped(chunk.TurnID)
			s.consecFails++
			slog.Warn("jitter: chunk decode failed, skipping",
				"turn_id", chunk.TurnID,
				"sequence", chunk.Sequence,
				"consecutive", s.consecFails,
				"err", err,
			)
			if s.consecFails == maxConsecutiveDecodeFailures {
				s.events.Publish(event.Error{
					Severity: event.SeverityError,
					Op:       "jitter.decode",
					Err:      err,
				})
			}
			continue
		}
		s.consecFails = 0

		now := time.Now()
		start := s.nextStart
		if start.Before(now) {
			// How far behind the continuous timeline this chunk starts.
			if !start.IsZero() {
				s.events.Publish(event.Metrics{Name: "playback", Values: map[string]int64{
					"scheduling_delay_us": now.Sub(start).Microseconds(),
				}})
			}
			start = now
		}
		dur := audio.Chunk{Data: pcm}.Duration(s.format)
		s.nextStart = start.Add(dur)

		turnID := chunk.TurnID
		if err := s.sink.Play(pcm, start, func() { s.onChunkDone(turnID) }); err != nil {
			s.buf.MarkSkipped(turnID)
			s.events.Publish(event.Error{
				Severity: event.SeverityWarning,
				Op:       "jitter.play",
				Err:      err,
			})
			continue
		}
		s.inFlight = true
		return
	}
}

// onChunkDone is the sink completion callback: it credits the turn and
// pulls the next chunk.
func (s *Scheduler) onChunkDone(turnID string) {
	s.mu.Lock()
	s.inFlight = false
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.buf.MarkPlayed(turnID)
	s.tickLocked()
	after := s.inFlight
	fn := s.onState
	s.mu.Unlock()

	if fn != nil && !after {
		fn(false)
	}
}

// Playing reports whether a chunk is currently rendering. The VAD engine
// uses this to decide whether speech constitutes a barge-in.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Interrupt stops in-flight playback and flushes all queued chunks. The
// timeline resets so the next turn starts fresh. This is the barge-in and
// session-reset path.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.buf.Flush()
	s.nextStart = time.Time{}
	s.consecFails = 0
	s.mu.Unlock()

	// Stop outside the lock: the sink may invoke done callbacks inline,
	// which re-enter the scheduler.
	s.sink.Stop()
}

// Destroy marks the scheduler inert and stops playback. Any in-flight
// completion callback becomes a no-op. Safe to call more than once.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.buf.Flush()
	s.mu.Unlock()

	s.sink.Stop()
}

// decode applies the configured decoder, or passes raw PCM through.
func (s *Scheduler) decode(data []byte) ([]byte, error) {
	if s.dec == nil {
		return data, nil
	}
	return s.dec.Decode(data)
}
