package sampo

import (
	"errors"
	"fmt"
	"time"
)

// SampleRate is the fixed internal sample rate of the engine. All frame
// counts in the render domain are in units of 1/SampleRate seconds.
const SampleRate = 44100

type (
	// AudioBuffer is a buffer of stereo audio samples of the form
	// [[l0,r0],[l1,r1],...]
	AudioBuffer [][2]float32

	// DecodedAudio is multi-channel sample data handed to the engine by the
	// host, already fetched and decoded. It is read-only after creation; the
	// slice pool copies the ranges it needs out of it, so the host may
	// discard it afterwards.
	DecodedAudio struct {
		Channels   [][]float32
		SampleRate int
	}

	// SliceRange is a time range of a source recording, in seconds, from
	// which one slice is cut.
	SliceRange struct {
		Start float64 `yaml:"start"`
		End   float64 `yaml:"end"`
	}

	// Trigger is a request to sound a specific slice of a specific source at
	// a specific beat. Triggers are immutable value objects: mutating a
	// trigger means making a modified copy.
	Trigger struct {
		Beat   float64
		Source string
		Slice  int
		Opts   TriggerOpts
	}

	// TriggerOpts parameterizes the signal path of a single voice. The zero
	// value plays the slice as a plain one-shot at full velocity, centered.
	TriggerOpts struct {
		Velocity    float64 // 0..1; 0 is treated as 1 (unset)
		PitchShift  float64 // semitones
		Pan         float64 // -1 (left) .. 1 (right)
		Reverse     bool
		MicroOffset float64 // beats, added to the nominal beat grid
		Sweep       float64 // 0..1, exponential pitch-drop amount
		Saturation  float64 // 0..1, soft-clip drive
		Cutoff      float64 // 0..1 lowpass cutoff; 0 = filter bypassed
		Resonance   float64 // 0..1
		Attack      float64 // seconds; 0 = default 1 ms
		Release     float64 // seconds; 0 = none (play to end)
		Duration    float64 // seconds; 0 = play to end of slice
		Offset      float64 // seconds, start offset within the slice
		Choke       bool    // stop all other voices before starting
	}

	// AudioSink is the destination for rendered audio.
	AudioSink interface {
		WriteAudio(buffer AudioBuffer) error
		Close() error
	}

	// AudioContext is the playback backend boundary. A nil context puts the
	// engine into control-domain-only (degraded) scheduling.
	AudioContext interface {
		Output() AudioSink
		Close() error
	}

	// TickEvent is emitted by the render domain for every subdivision pulse.
	TickEvent struct {
		Beat  float64
		Tick  int
		Frame int64
	}

	// PositionEvent reports the playhead, for UI layers.
	PositionEvent struct {
		Beat float64
		Time time.Duration
	}
)

var ErrNoAudio = errors.New("decoded audio has no channels or no frames")

// NumFrames returns the per-channel frame count.
func (d *DecodedAudio) NumFrames() int {
	if len(d.Channels) == 0 {
		return 0
	}
	return len(d.Channels[0])
}

// Duration returns the length of the decoded audio.
func (d *DecodedAudio) Duration() time.Duration {
	if d.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(d.NumFrames()) / float64(d.SampleRate) * float64(time.Second))
}

// Validate checks that the audio is usable as a slice source.
func (d *DecodedAudio) Validate() error {
	if len(d.Channels) == 0 || d.NumFrames() == 0 {
		return ErrNoAudio
	}
	if d.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", d.SampleRate)
	}
	for i, c := range d.Channels[1:] {
		if len(c) != d.NumFrames() {
			return fmt.Errorf("channel %d length %d does not match channel 0 length %d", i+1, len(c), d.NumFrames())
		}
	}
	return nil
}

// VelocityOrDefault returns the effective velocity, treating the zero value
// as full and clamping to 1.
func (o TriggerOpts) VelocityOrDefault() float64 {
	if o.Velocity <= 0 {
		return 1
	}
	if o.Velocity > 1 {
		return 1
	}
	return o.Velocity
}

// WithVelocity returns a copy of the trigger with the velocity replaced.
func (t Trigger) WithVelocity(v float64) Trigger {
	t.Opts.Velocity = v
	return t
}

// WithBeat returns a copy of the trigger moved to another beat.
func (t Trigger) WithBeat(beat float64) Trigger {
	t.Beat = beat
	return t
}
