package engine

import "math"

// waveshape is the soft-clip curve used for saturation, amount in 0..1.
// amount 0.5 is the identity; towards 1 the curve hard-clips.
func waveshape(value, amount float32) float32 {
	absVal := value
	if absVal < 0 {
		absVal = -absVal
	}
	return value * amount / (1 - amount + (2*amount-1)*absVal)
}

func clip(value float32) float32 {
	if value < -1 {
		return -1
	}
	if value > 1 {
		return 1
	}
	return value
}

// crush quantizes the signal to a resolution controlled by amount in 0..1;
// 0 leaves the signal intact.
func crush(value, amount float32) float32 {
	if amount <= 0 {
		return value
	}
	n := nonLinearMap(amount)
	return float32(math.Round(float64(value/n)) * float64(n))
}

// nonLinearMap maps a 0..1 parameter to an exponential per-sample step, the
// same mapping the envelope and compressor times use.
func nonLinearMap(value float32) float32 {
	return float32(math.Exp2(float64(-24 * value)))
}

// svf is a two-channel Chamberlin state-variable filter. freq is the
// normalized 0..1 cutoff parameter (applied squared), res the damping.
type svf struct {
	low, band [2]float32
}

// lowpass advances the filter one frame and returns the lowpass output.
func (f *svf) lowpass(ch int, in, freq, res float32) float32 {
	freq2 := freq * freq
	low, band := f.low[ch], f.band[ch]
	low += freq2 * band
	high := in - low - res*band
	band += freq2 * high
	f.low[ch], f.band[ch] = low, band
	return low
}
