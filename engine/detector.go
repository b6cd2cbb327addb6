package engine

import (
	"math"
	"sync"

	"github.com/viterin/vek/vek32"

	"github.com/sampoaudio/sampo"
)

// LevelDetector measures the rendered output arriving from the player
// through the broker: per-channel sample peak with decay, and a smoothed
// RMS power. Process runs on the control goroutine; the read side may be any
// goroutine, so the state is mutex-guarded.
type LevelDetector struct {
	mu        sync.Mutex
	peak      [2]float32
	power     float32
	tmp, tmp2 []float32
}

// peakDecay is the per-block multiplier pulling the held peak back down,
// tuned for a readable meter at typical block rates.
const peakDecay = 0.92

// powerSmoothing is the exponential smoothing factor of the RMS power.
const powerSmoothing = 0.25

func NewLevelDetector() *LevelDetector {
	return &LevelDetector{}
}

// Process folds one rendered block into the running measurements.
func (d *LevelDetector) Process(buffer sampo.AudioBuffer) {
	if len(buffer) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cap(d.tmp) < len(buffer) {
		d.tmp = make([]float32, len(buffer))
		d.tmp2 = make([]float32, len(buffer))
	}
	var total float32
	for chn := 0; chn < 2; chn++ {
		for i, frame := range buffer {
			d.tmp[i] = frame[chn]
		}
		chunk := d.tmp[:len(buffer)]
		abs := vek32.Abs_Into(d.tmp2, chunk)
		if p := vek32.Max(abs); p > d.peak[chn]*peakDecay {
			d.peak[chn] = p
		} else {
			d.peak[chn] *= peakDecay
		}
		squared := vek32.Mul_Into(d.tmp2, chunk, chunk)
		total += vek32.Mean(squared)
	}
	d.power += (total/2 - d.power) * powerSmoothing
}

// Peak returns the larger held channel peak, linear scale.
func (d *LevelDetector) Peak() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peak[0] > d.peak[1] {
		return d.peak[0]
	}
	return d.peak[1]
}

// RMS returns the smoothed root-mean-square level, linear scale.
func (d *LevelDetector) RMS() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float32(math.Sqrt(float64(d.power)))
}

// Reset clears the meter, for transport restarts.
func (d *LevelDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peak = [2]float32{}
	d.power = 0
}
