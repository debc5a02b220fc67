// Package vad implements the energy-based voice activity detector that
// drives capture gating and barge-in interruption of playback.
//
// Classification is a pure function of the frame plus a small amount of
// rolling state: an adaptive threshold tracks the moving average energy of
// recent frames, and a hysteresis state machine debounces transient spikes
// and dropouts so a single hot or quiet frame never flips the speech state.
//
// An Engine is owned by the capture path and is not safe for concurrent
// use.
package vad

import "math"

// State is the current position of the hysteresis state machine.
type State int

const (
	// StateIdle means no speech is active.
	StateIdle State = iota

	// StateSpeech means speech is active.
	StateSpeech

	// StateSilenceTransition means speech is active but consecutive
	// inactive frames are accumulating toward the idle transition.
	StateSilenceTransition

	// StateBargeIn means speech became active while playback was running;
	// it behaves like StateSpeech for hysteresis purposes.
	StateBargeIn
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeech:
		return "speech"
	case StateSilenceTransition:
		return "silence-transition"
	case StateBargeIn:
		return "barge-in"
	default:
		return "unknown"
	}
}

// energyWindow is the number of recent frames whose energies feed the
// adaptive threshold's moving average.
const energyWindow = 10

const (
	defaultBaseThreshold   = 0.01
	defaultMinSpeechFrames = 3
	defaultMinSilence      = 10
)

// Classification is the result of classifying one capture frame.
type Classification struct {
	// HasActivity reports whether this frame's energy exceeded the
	// adaptive threshold.
	HasActivity bool

	// Energy is the RMS energy of the frame, normalized to [0, 1].
	Energy float64

	// SpeechActive is the debounced output of the hysteresis state
	// machine.
	SpeechActive bool

	// Threshold is the adaptive threshold the frame was compared against.
	Threshold float64

	// BargeIn is true exactly once per rising edge of SpeechActive that
	// occurs while playback is active.
	BargeIn bool
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithBaseThreshold sets the floor of the adaptive energy threshold.
// The default is 0.01.
func WithBaseThreshold(t float64) Option {
	return func(e *Engine) { e.baseThreshold = t }
}

// WithMinSpeechFrames sets how many consecutive active frames are required
// to enter the speech state. The default is 3.
func WithMinSpeechFrames(n int) Option {
	return func(e *Engine) { e.minSpeechFrames = n }
}

// WithMinSilenceFrames sets how many consecutive inactive frames are
// required to return to idle. The default is 10.
func WithMinSilenceFrames(n int) Option {
	return func(e *Engine) { e.minSilenceFrames = n }
}

// Engine classifies capture frames into speech and silence and detects
// barge-in rising edges during playback.
type Engine struct {
	baseThreshold    float64
	minSpeechFrames  int
	minSilenceFrames int

	energies  [energyWindow]float64
	energyPos int
	energyN   int

	state        State
	speechCount  int
	silenceCount int

	playbackActive bool
	armed          bool
}

// New creates an Engine with the given options applied in order.
func New(opts ...Option) *Engine {
	e := &Engine{
		baseThreshold:    defaultBaseThreshold,
		minSpeechFrames:  defaultMinSpeechFrames,
		minSilenceFrames: defaultMinSilence,
		armed:            true,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Configure applies options to a live engine. Hysteresis counters and the
// energy window carry over, so tightening a threshold mid-stream does not
// drop an in-progress speech segment. The caller serializes Configure
// against Classify.
func (e *Engine) Configure(opts ...Option) {
	for _, o := range opts {
		o(e)
	}
}

// SetPlaybackActive informs the engine whether remote audio is currently
// being rendered. Barge-in edges are only emitted while playback is active.
func (e *Engine) SetPlaybackActive(active bool) {
	e.playbackActive = active
}

// State returns the current hysteresis state.
func (e *Engine) State() State { return e.state }

// Classify processes one frame of PCM16 samples and advances the state
// machine. Empty frames yield zero energy and count as inactive.
func (e *Engine) Classify(samples []int16) Classification {
	energy := rms(samples)
	threshold := e.adaptiveThreshold()
	e.observeEnergy(energy)

	active := energy > threshold

	c := Classification{
		HasActivity: active,
		Energy:      energy,
		Threshold:   threshold,
	}

	switch e.state {
	case StateIdle:
		if active {
			e.speechCount++
			if e.speechCount >= e.minSpeechFrames {
				e.state = StateSpeech
				e.speechCount = 0
				if e.playbackActive && e.armed {
					c.BargeIn = true
					e.armed = false
					e.state = StateBargeIn
				}
			}
		} else {
			e.speechCount = 0
		}

	case StateSpeech, StateBargeIn, StateSilenceTransition:
		if active {
			e.silenceCount = 0
			if e.state == StateSilenceTransition {
				e.state = StateSpeech
			}
		} else {
			e.silenceCount++
			if e.silenceCount >= e.minSilenceFrames {
				e.state = StateIdle
				e.silenceCount = 0
				e.armed = true
			} else if e.state != StateBargeIn {
				e.state = StateSilenceTransition
			}
		}
	}

	c.SpeechActive = e.state != StateIdle
	return c
}

// Reset returns the engine to idle and clears all rolling state.
func (e *Engine) Reset() {
	e.state = StateIdle
	e.speechCount = 0
	e.silenceCount = 0
	e.energyPos = 0
	e.energyN = 0
	e.armed = true
}

// adaptiveThreshold is baseThreshold + 0.1 × the moving average energy of
// the last energyWindow frames.
func (e *Engine) adaptiveThreshold() float64 {
	if e.energyN == 0 {
		return e.baseThreshold
	}
	var sum float64
	for i := 0; i < e.energyN; i++ {
		sum += e.energies[i]
	}
	return e.baseThreshold + 0.1*sum/float64(e.energyN)
}

func (e *Engine) observeEnergy(energy float64) {
	e.energies[e.energyPos] = energy
	e.energyPos = (e.energyPos + 1) % energyWindow
	if e.energyN < energyWindow {
		e.energyN++
	}
}

// rms computes the RMS energy of the frame normalized to [0, 1].
// Zero-length frames yield 0.
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
