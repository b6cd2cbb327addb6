package engine

import (
	"math"

	"github.com/sampoaudio/sampo"
)

// MaxVoices is the polyphony limit. Exceeding it steals the oldest active
// voice rather than erroring.
const MaxVoices = 32

// stealFade is the fade applied to a stolen or choked voice, in seconds;
// short enough to be inaudible, long enough to avoid a click.
const stealFade = 0.005

// defaultAttack is the effectively instantaneous one-shot attack.
const defaultAttack = 0.001

// sweepTime is the time constant of the exponential pitch-drop ramp.
const sweepTime = 0.08

type voice struct {
	active bool
	seq    int64 // registration order, used for oldest-first stealing
	source int
	slice  int

	buf  *SliceBuffer
	pos  float64 // fractional frame position within buf
	rate float64 // base playback rate from pitch shift

	// sweepExcess decays multiplicatively towards 0 so the effective rate
	// ramps exponentially from an elevated start down to the base rate.
	sweepExcess float64
	sweepDecay  float64

	gain       float32
	panL, panR float32
	saturation float32
	cutoff     float32
	resonance  float32
	filter     svf

	attackFrames  int
	releaseFrames int
	endFrame      int // frame at which the release (or hard stop) begins; -1 = buffer end
	frames        int
	delay         int // frames to skip before the voice starts sounding

	stopping bool
	fadeGain float32
	fadeStep float32
}

// start initializes the voice for a resolved trigger. delay is the in-block
// or future-block frame offset before the first audible frame.
func (v *voice) start(msg TriggerMsg, delay int, seq int64) {
	opts := msg.Opts
	vel := opts.VelocityOrDefault()
	*v = voice{
		active:   true,
		seq:      seq,
		source:   msg.Source,
		slice:    msg.Slice,
		buf:      msg.Buf,
		rate:     math.Exp2(opts.PitchShift / 12),
		gain:     float32(vel * vel), // quadratic curve, perceptually closer to linear loudness
		delay:    delay,
		endFrame: -1,
		fadeGain: 1,
	}
	pan := float32((opts.Pan + 1) / 2)
	v.panL, v.panR = 1-pan, pan
	if opts.Saturation > 0 {
		v.saturation = float32(opts.Saturation)
	}
	if opts.Cutoff > 0 {
		v.cutoff = float32(opts.Cutoff)
		v.resonance = float32(1 - opts.Resonance)
	}
	attack := opts.Attack
	if attack <= 0 {
		attack = defaultAttack
	}
	v.attackFrames = int(attack * sampo.SampleRate)
	if opts.Release > 0 {
		v.releaseFrames = int(opts.Release * sampo.SampleRate)
	}
	if opts.Duration > 0 {
		v.endFrame = int(opts.Duration * sampo.SampleRate)
	}
	if opts.Offset > 0 {
		v.pos = opts.Offset * sampo.SampleRate
		if max := float64(len(msg.Buf.Data)); v.pos >= max {
			v.pos = max
		}
	}
	if opts.Sweep > 0 {
		// start the rate elevated by up to 2x and decay towards the base
		v.sweepExcess = v.rate * 2 * opts.Sweep
		v.sweepDecay = math.Exp(-1 / (sweepTime * sampo.SampleRate))
	}
}

// stop begins a linear fade-out over fade seconds. Stopping an already
// stopping or finished voice only ever shortens the fade.
func (v *voice) stop(fade float64) {
	if !v.active {
		return
	}
	frames := int(fade * sampo.SampleRate)
	if frames < 1 {
		frames = 1
	}
	step := v.fadeGain / float32(frames)
	if v.stopping && step <= v.fadeStep {
		return
	}
	v.stopping = true
	v.fadeStep = step
}

// render mixes the voice into dst additively and returns false once the
// voice has finished, at which point the player deregisters it.
func (v *voice) render(dst sampo.AudioBuffer) bool {
	n := len(v.buf.Data)
	for i := range dst {
		if v.delay > 0 {
			v.delay--
			continue
		}
		idx := int(v.pos)
		if idx+1 >= n {
			return false
		}
		frac := float32(v.pos - float64(idx))
		l := v.buf.Data[idx][0] + (v.buf.Data[idx+1][0]-v.buf.Data[idx][0])*frac
		r := v.buf.Data[idx][1] + (v.buf.Data[idx+1][1]-v.buf.Data[idx][1])*frac

		env := v.envelope()
		if env <= 0 && v.frames > v.attackFrames {
			return false
		}
		if v.stopping {
			v.fadeGain -= v.fadeStep
			if v.fadeGain <= 0 {
				return false
			}
			env *= v.fadeGain
		}
		// velocity gain drives the nonlinear stages; the envelope and any
		// stop fade scale the output after them, so fading never changes the
		// saturation drive
		l *= v.gain
		r *= v.gain
		if v.saturation > 0 {
			l = waveshape(l, v.saturation)
			r = waveshape(r, v.saturation)
		}
		if v.cutoff > 0 {
			l = v.filter.lowpass(0, l, v.cutoff, v.resonance)
			r = v.filter.lowpass(1, r, v.cutoff, v.resonance)
		}
		dst[i][0] += l * env * v.panL
		dst[i][1] += r * env * v.panR

		v.pos += v.rate + v.sweepExcess
		v.sweepExcess *= v.sweepDecay
		v.frames++
	}
	return true
}

// envelope returns the attack/release gain for the current frame. With no
// explicit duration or release the voice is a one-shot: instant-ish attack,
// sustained until the buffer runs out.
func (v *voice) envelope() float32 {
	var env float32 = 1
	if v.frames < v.attackFrames {
		env = float32(v.frames) / float32(v.attackFrames)
	}
	if v.endFrame >= 0 && v.frames >= v.endFrame {
		if v.releaseFrames <= 0 {
			return 0
		}
		rel := 1 - float32(v.frames-v.endFrame)/float32(v.releaseFrames)
		if rel <= 0 {
			return 0
		}
		if rel < env {
			env = rel
		}
	}
	return env
}
