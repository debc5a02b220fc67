// Package event defines the typed event stream published by the transport
// resilience layer and the fan-out used to deliver it to subscribers.
//
// Components publish concrete event values (a closed set below) instead of
// registering dynamic handler lists; consumers receive them over plain
// channels. Multi-subscriber semantics are explicit: a [Fanout] copies each
// event to every registered subscriber and never blocks a publisher on a
// slow consumer.
package event

import "time"

// Severity classifies diagnostic events for logging and metrics.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the human-readable name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the closed sum of events the resilience layer emits. The only
// implementations are the types in this package.
type Event interface {
	eventKind() string
}

// Data carries a captured audio segment that passed the VAD gate and is on
// its way to the transport. Emitted for consumers that mirror or record
// outbound audio.
type Data struct {
	PCM      []byte
	Captured time.Time
}

// BargeIn signals that user speech interrupted active playback. Playback
// has already been stopped and the jitter buffer flushed by the time
// subscribers see this event.
type BargeIn struct {
	TurnID string
	At     time.Time
}

// Truncation reports a turn that completed with received-but-unplayed
// chunks. It signals an upstream timing bug, not a fatal error.
type Truncation struct {
	TurnID        string
	Received      int
	Played        int
	MissingChunks int
}

// BufferPressure is an advisory that a buffer crossed an occupancy level.
// Level is "low", "medium", or "high".
type BufferPressure struct {
	Buffer   string
	Level    string
	Occupied int
	Capacity int
}

// QualityChange reports that the recommended audio settings tier changed.
// Emitted only on actual tier transitions.
type QualityChange struct {
	Score    float64
	Tier     string
	Settings AudioSettings
}

// Metrics carries a periodic counters snapshot for the diagnostics sink.
type Metrics struct {
	Name   string
	Values map[string]int64
}

// Error is a recoverable diagnostic. The session continues.
type Error struct {
	Severity Severity
	Op       string
	Err      error
}

// Fatal means the pipeline exceeded its error budget and must be torn down
// and fully reinitialized by the caller.
type Fatal struct {
	Op  string
	Err error
}

// AudioSettings are the transport-level knobs adjusted by quality tiers.
type AudioSettings struct {
	SampleRate int
	// ChunkMillis is the outbound chunk length in milliseconds.
	ChunkMillis int
	// Compress enables Opus compression of outbound chunks.
	Compress bool
	// BufferBlocks is the recommended capture ring size in device blocks.
	BufferBlocks int
}

func (Data) eventKind() string           { return "data" }
func (BargeIn) eventKind() string        { return "barge_in" }
func (Truncation) eventKind() string     { return "truncation" }
func (BufferPressure) eventKind() string { return "buffer_pressure" }
func (QualityChange) eventKind() string  { return "quality_change" }
func (Metrics) eventKind() string        { return "metrics" }
func (Error) eventKind() string          { return "error" }
func (Fatal) eventKind() string          { return "fatal" }
