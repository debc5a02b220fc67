// Package mock provides synthetic [audio.Source] and [audio.Sink]
// implementations. Tests script them directly; the voxwire binary uses the
// paced variants to run the full transport stack without host audio
// bindings.
package mock

import (
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/audio"
)

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// Source is a synthetic capture device. Without pacing it delivers only the
// blocks pushed by the test. With [WithPacing] it emits one block per block
// period from an internal goroutine, silence unless a generator is set.
type Source struct {
	format    audio.Format
	blockSize int
	generate  func(out []int16)

	blocks chan []int16
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// SourceOption configures a [Source].
type SourceOption func(*Source)

// WithGenerator sets the sample generator used in paced mode. The function
// fills out with the next block of samples.
func WithGenerator(fn func(out []int16)) SourceOption {
	return func(s *Source) { s.generate = fn }
}

// NewSource creates a synthetic source producing blocks of blockSize samples.
func NewSource(format audio.Format, blockSize int, opts ...SourceOption) *Source {
	s := &Source{
		format:    format,
		blockSize: blockSize,
		blocks:    make(chan []int16, 8),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewPacedSource creates a source that emits blocks at the real-time block
// period, like a host capture device would.
func NewPacedSource(format audio.Format, blockSize int, opts ...SourceOption) *Source {
	s := NewSource(format, blockSize, opts...)
	go s.pace()
	return s
}

func (s *Source) pace() {
	period := audio.BlockDuration(s.blockSize, s.format)
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			block := make([]int16, s.blockSize)
			if s.generate != nil {
				s.generate(block)
			}
			// Drop the block if the consumer lags, like a device callback.
			s.deliver(block, false)
		}
	}
}

// Push delivers one block to the consumer. Returns false once the source is
// closed or the consumer's buffer is full. For test scripting.
func (s *Source) Push(block []int16) bool {
	return s.deliver(block, true)
}

// deliver sends a block under the close lock so a concurrent Close cannot
// close the channel mid-send.
func (s *Source) deliver(block []int16, reportFull bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.blocks <- block:
		return true
	default:
		return !reportFull
	}
}

// Blocks returns the capture block stream.
func (s *Source) Blocks() <-chan []int16 { return s.blocks }

// Format reports the capture format.
func (s *Source) Format() audio.Format { return s.format }

// Close stops the source and closes the block stream.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.blocks)
	}
	return nil
}

// Sink is a synthetic playback device. Play schedules a timer for the
// buffer's duration and fires done when it elapses; Stop cancels pending
// timers and fires their callbacks immediately.
type Sink struct {
	format audio.Format

	mu      sync.Mutex
	timers  map[*time.Timer]func()
	played  int
	stopped int
	closed  bool
}

// NewSink creates a synthetic sink at the given playback format.
func NewSink(format audio.Format) *Sink {
	return &Sink{
		format: format,
		timers: map[*time.Timer]func(){},
	}
}

// Play schedules data and fires done after its real-time duration has
// elapsed past start.
func (s *Sink) Play(data []byte, start time.Time, done func()) error {
	dur := audio.Chunk{Data: data}.Duration(s.format)
	if wait := time.Until(start); wait > 0 {
		dur += wait
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if done != nil {
			go done()
		}
		return nil
	}

	var t *time.Timer
	t = time.AfterFunc(dur, func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.played++
		s.mu.Unlock()
		if done != nil {
			done()
		}
	})
	s.timers[t] = done
	return nil
}

// Stop cancels in-flight playback. Outstanding done callbacks still fire.
func (s *Sink) Stop() {
	s.mu.Lock()
	pending := make([]func(), 0, len(s.timers))
	for t, done := range s.timers {
		if t.Stop() && done != nil {
			pending = append(pending, done)
		}
		delete(s.timers, t)
	}
	s.stopped += len(pending)
	s.mu.Unlock()

	for _, done := range pending {
		done()
	}
}

// Played reports how many buffers ran to completion.
func (s *Sink) Played() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

// Stopped reports how many buffers Stop cancelled early.
func (s *Sink) Stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Format reports the playback format.
func (s *Sink) Format() audio.Format { return s.format }

// Close releases the sink, cancelling any pending playback.
func (s *Sink) Close() error {
	s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
