// Package codec provides the optional Opus compression tier for the
// transport. When the quality monitor recommends compressed audio, the
// session encodes outbound chunks and decodes inbound ones through these
// wrappers; otherwise raw PCM passes straight through.
package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/voxwire/voxwire/pkg/audio"
)

// Encoder compresses PCM chunks into Opus packets. It is stateful and
// must only see frames of the size it was created for, in order.
type Encoder struct {
	enc       *gopus.Encoder
	frameSize int
	format    audio.Format
}

// NewEncoder creates an Opus encoder for mono PCM in the given format
// with frameMillis-long frames.
func NewEncoder(f audio.Format, frameMillis int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &Encoder{
		enc:       enc,
		frameSize: f.SampleRate * frameMillis / 1000,
		format:    f,
	}, nil
}

// Encode compresses one PCM frame (little-endian int16 bytes). The frame
// must match the encoder's configured frame size exactly.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	samples := audio.BytesToSamples(pcm)
	if len(samples) != e.frameSize*e.format.Channels {
		return nil, fmt.Errorf("codec: frame has %d samples, encoder expects %d",
			len(samples), e.frameSize*e.format.Channels)
	}
	data, err := e.enc.Encode(samples, e.frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return data, nil
}

// Decoder decompresses Opus packets back into PCM. It satisfies the
// playback scheduler's decoder contract.
type Decoder struct {
	dec       *gopus.Decoder
	frameSize int
}

// NewDecoder creates an Opus decoder matching [NewEncoder]'s settings.
func NewDecoder(f audio.Format, frameMillis int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Decoder{
		dec:       dec,
		frameSize: f.SampleRate * frameMillis / 1000,
	}, nil
}

// Decode decompresses one Opus packet into PCM bytes.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	samples, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return audio.SamplesToBytes(samples), nil
}
