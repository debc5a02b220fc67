// Package audio defines the shared audio types and stateless PCM helpers
// used throughout voxwire.
//
// The two sides of the pipeline exchange raw little-endian PCM16. Helpers
// here convert between byte and sample representations and apply the simple
// noise gate used on the capture path. Anything with state (buffering,
// scheduling, detection) lives in its own package.
package audio

// BytesToSamples decodes little-endian PCM16 bytes into int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return samples
}

// SamplesToBytes encodes int16 samples as little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[2*i] = byte(s)
		data[2*i+1] = byte(s >> 8)
	}
	return data
}

// NoiseGate attenuates samples whose absolute value falls below threshold,
// writing the result in place and returning the same slice. It is a cheap
// stand-in for real noise suppression: sub-threshold samples are treated as
// background hiss and zeroed so the VAD and the wire see clean silence.
func NoiseGate(samples []int16, threshold int16) []int16 {
	if threshold <= 0 {
		return samples
	}
	for i, s := range samples {
		if s > -threshold && s < threshold {
			samples[i] = 0
		}
	}
	return samples
}

// ResampleMono16 linearly resamples mono PCM16 from one rate to another.
// Returns the input unchanged when the rates already match.
func ResampleMono16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}
	outLen := len(samples) * toRate / fromRate
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}
