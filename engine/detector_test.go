package engine

import (
	"testing"
)

func TestDetectorPeakAndRMSOnConstantSignal(t *testing.T) {
	d := NewLevelDetector()
	for i := 0; i < 40; i++ {
		d.Process(constBlock(512, 0.5))
	}
	if got := d.Peak(); got < 0.49 || got > 0.51 {
		t.Errorf("peak = %v, want ~0.5", got)
	}
	// a constant signal's RMS equals its amplitude once smoothing settles
	if got := d.RMS(); got < 0.45 || got > 0.55 {
		t.Errorf("RMS = %v, want ~0.5", got)
	}
}

func TestDetectorPeakDecays(t *testing.T) {
	d := NewLevelDetector()
	d.Process(constBlock(512, 0.8))
	loud := d.Peak()
	for i := 0; i < 100; i++ {
		d.Process(constBlock(512, 0))
	}
	if got := d.Peak(); got >= loud/2 {
		t.Errorf("peak %v did not decay from %v over silence", got, loud)
	}
}

func TestDetectorTracksLouderChannel(t *testing.T) {
	d := NewLevelDetector()
	block := constBlock(256, 0)
	for i := range block {
		block[i] = [2]float32{0.2, 0.7}
	}
	d.Process(block)
	if got := d.Peak(); got < 0.69 || got > 0.71 {
		t.Errorf("peak = %v, want the louder channel's 0.7", got)
	}
}

func TestDetectorReset(t *testing.T) {
	d := NewLevelDetector()
	d.Process(constBlock(512, 0.9))
	d.Reset()
	if d.Peak() != 0 || d.RMS() != 0 {
		t.Errorf("reset left peak %v RMS %v", d.Peak(), d.RMS())
	}
}

func TestDetectorEmptyBlockIsNoop(t *testing.T) {
	d := NewLevelDetector()
	d.Process(nil)
	if d.Peak() != 0 {
		t.Error("empty block changed the measurement")
	}
}
