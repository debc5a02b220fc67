package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxwire/voxwire/pkg/audio"
)

// ControlType discriminates the JSON control messages exchanged on the
// text side of the channel.
type ControlType string

const (
	// ControlAudioMetadata precedes a binary audio frame and describes it.
	ControlAudioMetadata ControlType = "audio_metadata"

	// ControlTurnComplete marks the end of a remote speech turn.
	ControlTurnComplete ControlType = "turn_complete"

	// ControlInterrupted tells the peer the current turn was cut short.
	ControlInterrupted ControlType = "interrupted"

	// ControlBufferPressure advises the peer of receive-side congestion.
	ControlBufferPressure ControlType = "buffer_pressure"

	// ControlPlaybackState reports local playback starting or stopping.
	ControlPlaybackState ControlType = "playback_state"

	// ControlTruncationWarning reports chunks dropped from a turn.
	ControlTruncationWarning ControlType = "truncation_warning"

	// ControlReady signals the remote service finished setup and accepts
	// audio.
	ControlReady ControlType = "ready"
)

// ControlMessage is the wire shape of every control message. Only the
// fields relevant to Type are populated; the rest stay at their zero
// value and are omitted from the encoding.
type ControlMessage struct {
	Type ControlType `json:"type"`

	// audio_metadata
	TurnID           string  `json:"turn_id,omitempty"`
	Sequence         uint64  `json:"sequence,omitempty"`
	SizeBytes        int     `json:"size_bytes,omitempty"`
	ExpectedDuration float64 `json:"expected_duration_ms,omitempty"`
	SampleRate       int     `json:"sample_rate,omitempty"`
	Timestamp        float64 `json:"timestamp,omitempty"` // unix seconds
	IsFinal          bool    `json:"is_final,omitempty"`

	// buffer_pressure
	Level    string `json:"level,omitempty"`
	Occupied int    `json:"occupied,omitempty"`
	Capacity int    `json:"capacity,omitempty"`

	// playback_state
	State string `json:"state,omitempty"`

	// truncation_warning
	ChunksRemoved int `json:"chunks_removed,omitempty"`
}

// AudioMetadata builds the metadata announcement for an audio chunk.
func AudioMetadata(c audio.Chunk, f audio.Format) ControlMessage {
	return ControlMessage{
		Type:             ControlAudioMetadata,
		TurnID:           c.TurnID,
		Sequence:         c.Sequence,
		SizeBytes:        len(c.Data),
		ExpectedDuration: float64(c.Duration(f)) / float64(time.Millisecond),
		SampleRate:       f.SampleRate,
		Timestamp:        float64(time.Now().UnixMilli()) / 1000,
	}
}

// EncodeControl marshals msg for the wire.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("transport: control message without type")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal control: %w", err)
	}
	return data, nil
}

// DecodeControl parses a control frame. Messages with an unknown type
// still decode; the caller decides whether to ignore them.
func DecodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("transport: unmarshal control: %w", err)
	}
	if msg.Type == "" {
		return ControlMessage{}, fmt.Errorf("transport: control message without type")
	}
	return msg, nil
}
