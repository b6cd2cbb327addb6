package engine

import (
	"testing"

	"github.com/sampoaudio/sampo"
)

// constSlice is a slice buffer holding a constant full-scale signal, long
// enough to outlast any test block.
func constSlice(frames int) *SliceBuffer {
	data := make(sampo.AudioBuffer, frames)
	for i := range data {
		data[i] = [2]float32{1, 1}
	}
	return &SliceBuffer{Data: data}
}

func newTestPlayer() (*Player, *Broker) {
	broker := NewBroker()
	return NewPlayer(broker), broker
}

func process(p *Player, frames int) sampo.AudioBuffer {
	buf := make(sampo.AudioBuffer, frames)
	p.Process(buf)
	return buf
}

func trigger(broker *Broker, buf *SliceBuffer, opts sampo.TriggerOpts) {
	broker.ToPlayer <- TriggerMsg{Beat: TriggerNow, Source: 0, Slice: 0, Buf: buf, Opts: opts}
}

// stealFadeFrames is the steal fade length in frames; computed through a
// variable because the product is not a whole number.
func stealFadeFrames() int {
	f := stealFade * sampo.SampleRate
	return int(f)
}

func TestPlayerPolyphonyLimit(t *testing.T) {
	p, broker := newTestPlayer()
	buf := constSlice(sampo.SampleRate)
	// several bursts, so later rounds hit the player while the slack slots
	// are still full of fading voices from the earlier steals
	for round := 0; round < 3; round++ {
		for i := 0; i < MaxVoices+10; i++ {
			trigger(broker, buf, sampo.TriggerOpts{})
		}
		process(p, 64)
		if got := p.ActiveVoices(); got != MaxVoices {
			t.Fatalf("active voices after burst %d = %d, want %d", round, got, MaxVoices)
		}
	}
}

func TestPlayerStealingStopsOldest(t *testing.T) {
	p, broker := newTestPlayer()
	buf := constSlice(sampo.SampleRate)
	for i := 0; i < MaxVoices; i++ {
		trigger(broker, buf, sampo.TriggerOpts{})
	}
	process(p, 16)
	trigger(broker, buf, sampo.TriggerOpts{})
	process(p, 16)
	if got := p.ActiveVoices(); got != MaxVoices {
		t.Fatalf("active voices after steal = %d, want %d", got, MaxVoices)
	}
	// the stolen voice (seq 0) must be fading, not counted, and gone once
	// the steal fade has run its course
	process(p, stealFadeFrames()+16)
	for i := range p.voices {
		if p.voices[i].active && p.voices[i].seq == 0 {
			t.Error("oldest voice still active after the steal fade")
		}
	}
}

func TestPlayerChokeCutsEverything(t *testing.T) {
	p, broker := newTestPlayer()
	buf := constSlice(sampo.SampleRate)
	for i := 0; i < 5; i++ {
		trigger(broker, buf, sampo.TriggerOpts{})
	}
	process(p, 512)
	trigger(broker, buf, sampo.TriggerOpts{Choke: true})
	process(p, stealFadeFrames()+16)
	if got := p.ActiveVoices(); got != 1 {
		t.Errorf("active voices after choke = %d, want only the choking voice", got)
	}
}

func TestPlayerVelocityGainIsQuadratic(t *testing.T) {
	p, broker := newTestPlayer()
	buf := constSlice(sampo.SampleRate)
	trigger(broker, buf, sampo.TriggerOpts{Velocity: 0.5})
	out := process(p, 512)
	// past the 1 ms default attack: gain 0.25, center pan splits 0.5/0.5
	got := out[200][0]
	if got < 0.124 || got > 0.126 {
		t.Errorf("sample at half velocity = %v, want 0.125", got)
	}
}

func TestPlayerScheduledTriggerIsSampleAccurate(t *testing.T) {
	p, broker := newTestPlayer()
	broker.ToPlayer <- TransportMsg{Playing: true, Beat: 0}
	buf := constSlice(sampo.SampleRate)
	// 120 BPM: beat 0.5 is frame 11025 exactly
	broker.ToPlayer <- TriggerMsg{Beat: 0.5, Buf: buf, Opts: sampo.TriggerOpts{}}
	out := process(p, 12000)
	first := -1
	for i := range out {
		if out[i][0] != 0 {
			first = i
			break
		}
	}
	// the first frame of the attack ramp is silent, so audio starts one
	// frame after the trigger point
	if first != 11026 {
		t.Errorf("first audible frame = %d, want 11026", first)
	}
}

func TestPlayerLateTriggerPlaysAtBlockTop(t *testing.T) {
	p, broker := newTestPlayer()
	broker.ToPlayer <- TransportMsg{Playing: true, Beat: 0}
	process(p, 512) // the playhead moves past beat 0
	buf := constSlice(sampo.SampleRate)
	broker.ToPlayer <- TriggerMsg{Beat: 0, Buf: buf, Opts: sampo.TriggerOpts{}}
	out := process(p, 512)
	if out[100][0] == 0 {
		t.Error("late trigger did not sound at the top of the block")
	}
	if p.PendingTriggers() != 0 {
		t.Error("late trigger left pending")
	}
}

func TestPlayerTicksAndSwing(t *testing.T) {
	p, broker := newTestPlayer()
	broker.ToPlayer <- TempoMsg{BPM: 120, TicksPerBeat: 2, Swing: 0.5}
	broker.ToPlayer <- TransportMsg{Playing: true, Beat: 0}
	blocks := 0
	var frames []int64
	for blocks*512 < 23000 {
		process(p, 512)
		blocks++
	}
drain:
	for {
		select {
		case msg := <-broker.ToModel:
			if msg.Tick > 0 {
				frames = append(frames, msg.Frame)
			}
		default:
			break drain
		}
	}
	// 11025 frames per tick; odd ticks delayed by half a tick
	want := []int64{0, 11025 + 5512, 22050}
	if len(frames) < len(want) {
		t.Fatalf("got %d ticks, want at least %d", len(frames), len(want))
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("tick %d at frame %d, want %d", i, frames[i], want[i])
		}
	}
}

func TestPlayerTempoChangeAppliesForwardOnly(t *testing.T) {
	p, broker := newTestPlayer()
	broker.ToPlayer <- TransportMsg{Playing: true, Beat: 0}
	process(p, 22050) // one beat at 120 BPM
	broker.ToPlayer <- TempoMsg{BPM: 60}
	process(p, 22050) // half a beat at 60 BPM
	if got := p.beatAt(p.Frame()); !closeEnough(got, 1.5) {
		t.Errorf("beat after tempo change = %v, want 1.5", got)
	}
}

func TestPlayerStopFadesVoicesAndClearsQueue(t *testing.T) {
	p, broker := newTestPlayer()
	broker.ToPlayer <- TransportMsg{Playing: true, Beat: 0}
	buf := constSlice(sampo.SampleRate)
	trigger(broker, buf, sampo.TriggerOpts{})
	broker.ToPlayer <- TriggerMsg{Beat: 100, Buf: buf, Opts: sampo.TriggerOpts{}}
	process(p, 512)
	broker.ToPlayer <- TransportMsg{Playing: false, Fade: 0.002}
	process(p, 512)
	if p.Playing() {
		t.Error("player still playing after stop")
	}
	if got := p.PendingTriggers(); got != 0 {
		t.Errorf("%d triggers survived the stop", got)
	}
	for i := range p.voices {
		if p.voices[i].active {
			t.Error("voice survived the stop fade")
		}
	}
}

func TestPlayerPitchShiftChangesRate(t *testing.T) {
	p, broker := newTestPlayer()
	// a short buffer: at +12 semitones it runs out twice as fast
	buf := constSlice(1000)
	trigger(broker, buf, sampo.TriggerOpts{PitchShift: 12})
	process(p, 512)
	if p.voices[0].active {
		t.Error("voice still active after consuming the buffer at 2x rate")
	}
	if got := p.voices[0].pos; got < 998 || got > 1002 {
		t.Errorf("final position at 2x rate = %v, want ~1000", got)
	}
}

func TestPlayerMicroOffsetDelaysStart(t *testing.T) {
	p, broker := newTestPlayer()
	broker.ToPlayer <- TransportMsg{Playing: true, Beat: 0}
	buf := constSlice(sampo.SampleRate)
	// 0.01 beats at 120 BPM is 220.5 frames
	broker.ToPlayer <- TriggerMsg{Beat: 0, Buf: buf, Opts: sampo.TriggerOpts{MicroOffset: 0.01}}
	out := process(p, 512)
	if out[100][0] != 0 {
		t.Error("audio before the micro offset elapsed")
	}
	if out[300][0] == 0 {
		t.Error("no audio after the micro offset elapsed")
	}
}

func TestPlayerDurationAndRelease(t *testing.T) {
	p, broker := newTestPlayer()
	buf := constSlice(sampo.SampleRate)
	// 100 frames of sustain, ~100 frames of release
	trigger(broker, buf, sampo.TriggerOpts{
		Duration: 100.0 / sampo.SampleRate,
		Release:  100.0 / sampo.SampleRate,
	})
	out := process(p, 512)
	if out[90][0] == 0 {
		t.Error("silent during sustain")
	}
	if out[150][0] >= out[90][0] {
		t.Error("release did not reduce the level")
	}
	if out[250][0] != 0 {
		t.Errorf("audio after release end: %v", out[250][0])
	}
	if p.voices[0].active {
		t.Error("voice not deregistered after its envelope ended")
	}
}

func TestPlayerStopFadeScalesAfterSaturation(t *testing.T) {
	p, broker := newTestPlayer()
	data := make(sampo.AudioBuffer, sampo.SampleRate)
	for i := range data {
		data[i] = [2]float32{0.5, 0.5}
	}
	trigger(broker, &SliceBuffer{Data: data}, sampo.TriggerOpts{Saturation: 0.9})
	process(p, 512) // well past the default attack
	broker.ToPlayer <- StopVoicesMsg{Fade: 100.0 / sampo.SampleRate}
	out := process(p, 128)
	// the fade scales the shaped signal linearly; it must not reduce the
	// drive going into the waveshaper
	want := waveshape(0.5, 0.9) * 0.5 * 0.5 // half fade, center pan
	got := out[49][0]
	if got < want-0.01 || got > want+0.01 {
		t.Errorf("sample at half fade = %v, want %v", got, want)
	}
}
