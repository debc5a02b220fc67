package audio

import "time"

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureFormat is the microphone-side format sent to the speech service.
var CaptureFormat = Format{SampleRate: 16000, Channels: 1}

// PlaybackFormat is the format of synthesized audio received from the
// speech service.
var PlaybackFormat = Format{SampleRate: 24000, Channels: 1}

// Chunk is one unit of audio crossing the network boundary. Inbound chunks
// carry the turn and sequence metadata announced by the preceding control
// message; outbound chunks carry only Data.
//
// A Chunk is owned by the jitter buffer from arrival until it is handed to
// the playback sink.
type Chunk struct {
	// Data holds raw little-endian PCM16 samples.
	Data []byte

	// TurnID identifies the server utterance this chunk belongs to.
	// Empty for outbound (capture-side) chunks.
	TurnID string

	// Sequence is the server-assigned chunk sequence number. Used for
	// diagnostics and correlation only; playback order is arrival order.
	Sequence uint64

	// Received marks when the chunk arrived from the transport.
	Received time.Time
}

// Duration returns the playback duration of the chunk at the given format.
// A zero-length chunk has zero duration.
func (c Chunk) Duration(f Format) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// BlockDuration returns the wall-clock duration of n samples at format f.
func BlockDuration(n int, f Format) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}
