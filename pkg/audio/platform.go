package audio

import "time"

// Source delivers fixed-size blocks of captured PCM16 samples at a fixed
// sample rate. Implementations wrap a host audio input device; the mock
// package provides a scripted implementation for tests.
//
// The Blocks channel is closed when the device stops. Consumers must keep
// up with the block period; a Source is allowed to drop blocks rather
// than stall the device callback.
type Source interface {
	// Blocks returns the stream of capture blocks. Each block has the
	// same length (the device block size in samples).
	Blocks() <-chan []int16

	// Format reports the capture sample rate and channel count.
	Format() Format

	// Close stops capture and closes the Blocks channel. Safe to call
	// more than once.
	Close() error
}

// Sink renders scheduled PCM16 buffers on a continuous timeline.
// Implementations wrap a host audio output device.
//
// Play must not block for the duration of the buffer: it schedules the
// buffer and returns, then invokes done exactly once from an internal
// goroutine when rendering finishes (or when Stop cancels it early).
type Sink interface {
	// Play schedules data (little-endian PCM16) to begin rendering at
	// start. A start time in the past means "as soon as possible".
	Play(data []byte, start time.Time, done func()) error

	// Stop cancels in-flight and scheduled playback. Outstanding done
	// callbacks still fire so that schedulers do not leak state.
	Stop()

	// Format reports the playback sample rate and channel count.
	Format() Format

	// Close releases the device. Safe to call more than once.
	Close() error
}
