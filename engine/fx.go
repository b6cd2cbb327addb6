package engine

import (
	"math"

	"github.com/sampoaudio/sampo"
)

type (
	// FXParams is one fixed parameter bundle for a source's insert chain.
	// All parameters are normalized 0..1 the way voice parameters are; a
	// zero value disables that stage.
	FXParams struct {
		CompAttack    float32 `yaml:"compAttack"`
		CompRelease   float32 `yaml:"compRelease"`
		CompThreshold float32 `yaml:"compThreshold"` // 0 disables the compressor
		CompRatio     float32 `yaml:"compRatio"`
		Saturation    float32 `yaml:"saturation"`    // 0 disables
		Crush         float32 `yaml:"crush"`         // 0 disables
		LowpassCutoff float32 `yaml:"lowpassCutoff"` // 0 disables
		DoubleDelay   float32 `yaml:"doubleDelay"`   // seconds; 0 disables
		DoubleMix     float32 `yaml:"doubleMix"`
	}

	// FXChain is a per-source insert between the source's voice mix and the
	// master bus: compressor, saturation, crush-into-lowpass and a short
	// doubling delay. Enabling or disabling crossfades dry/wet over
	// fxCrossfade so the switch never clicks. Render-domain state; owned by
	// the player.
	FXChain struct {
		params  FXParams
		enabled bool

		wet     float32 // current dry/wet position, 0 = dry
		wetStep float32 // per-frame crossfade increment

		compLevel float32
		filter    svf
		delay     sampo.AudioBuffer
		delayPos  int
	}
)

// fxCrossfade is the dry/wet crossfade time applied when toggling a chain.
const fxCrossfade = 0.05

// FXPresets are the named parameter bundles hosts can refer to from kits.
var FXPresets = map[string]FXParams{
	"punch": {CompAttack: 0.7, CompRelease: 0.4, CompThreshold: 0.5, CompRatio: 0.7, Saturation: 0.55},
	"grit":  {Saturation: 0.75, Crush: 0.45, LowpassCutoff: 0.5},
	"murk":  {CompThreshold: 0.6, CompAttack: 0.5, CompRelease: 0.5, CompRatio: 0.5, LowpassCutoff: 0.35},
	"wide":  {DoubleDelay: 0.025, DoubleMix: 0.4, Saturation: 0.52},
}

func newFXChain(params FXParams) *FXChain {
	f := &FXChain{params: params}
	f.sizeDelay()
	return f
}

func (f *FXChain) sizeDelay() {
	frames := int(float64(f.params.DoubleDelay) * sampo.SampleRate)
	if frames > 0 && len(f.delay) != frames {
		f.delay = make(sampo.AudioBuffer, frames)
		f.delayPos = 0
	}
}

// SetEnabled starts the dry/wet crossfade towards the requested state.
func (f *FXChain) SetEnabled(enabled bool) {
	if f.enabled == enabled {
		return
	}
	f.enabled = enabled
	step := float32(1 / (fxCrossfade * sampo.SampleRate))
	if enabled {
		f.wetStep = step
	} else {
		f.wetStep = -step
	}
}

// SetParams replaces the parameter bundle without interrupting the fade.
func (f *FXChain) SetParams(params FXParams) {
	f.params = params
	f.sizeDelay()
}

// process runs the chain in place over one block segment.
func (f *FXChain) process(block sampo.AudioBuffer) {
	if f.wet == 0 && f.wetStep == 0 {
		return
	}
	p := f.params
	for i := range block {
		dry := block[i]
		w := dry

		if p.CompThreshold > 0 {
			signalLevel := w[0]*w[0] + w[1]*w[1]
			paramIdx := p.CompAttack
			if signalLevel < f.compLevel {
				paramIdx = p.CompRelease
			}
			alpha := nonLinearMap(paramIdx)
			f.compLevel += (signalLevel - f.compLevel) * alpha
			var gain float32 = 1
			if threshold2 := p.CompThreshold * p.CompThreshold; f.compLevel > threshold2 {
				gain = float32(math.Pow(float64(threshold2/f.compLevel), float64(p.CompRatio/2)))
			}
			w[0] *= gain
			w[1] *= gain
		}
		if p.Saturation > 0 {
			w[0] = waveshape(w[0], p.Saturation)
			w[1] = waveshape(w[1], p.Saturation)
		}
		if p.Crush > 0 {
			w[0] = crush(w[0], p.Crush)
			w[1] = crush(w[1], p.Crush)
		}
		if p.LowpassCutoff > 0 {
			w[0] = f.filter.lowpass(0, w[0], p.LowpassCutoff, 0.5)
			w[1] = f.filter.lowpass(1, w[1], p.LowpassCutoff, 0.5)
		}
		if len(f.delay) > 0 {
			delayed := f.delay[f.delayPos]
			f.delay[f.delayPos] = w
			f.delayPos++
			if f.delayPos >= len(f.delay) {
				f.delayPos = 0
			}
			w[0] += delayed[0] * p.DoubleMix
			w[1] += delayed[1] * p.DoubleMix
		}

		f.wet += f.wetStep
		if f.wet >= 1 {
			f.wet, f.wetStep = 1, 0
		} else if f.wet <= 0 {
			f.wet, f.wetStep = 0, 0
		}
		block[i][0] = dry[0] + (w[0]-dry[0])*f.wet
		block[i][1] = dry[1] + (w[1]-dry[1])*f.wet
	}
}
