package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sampoaudio/sampo"
)

// fakeTime is a manually advanced time source shared between the test and
// the control goroutine.
type fakeTime struct {
	nanos atomic.Int64
}

func newFakeTime() *fakeTime {
	f := &fakeTime{}
	f.nanos.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return f
}

func (f *fakeTime) now() time.Time { return time.Unix(0, f.nanos.Load()) }

func (f *fakeTime) advance(d time.Duration) { f.nanos.Add(int64(d)) }

func TestClockBeatAdvances(t *testing.T) {
	ft := newFakeTime()
	c := NewClock(ft.now)
	c.Play()
	ft.advance(time.Second) // 120 BPM default: 2 beats per second
	if got := c.Beat(); !closeEnough(got, 2) {
		t.Errorf("beat after 1s at 120 BPM = %v, want 2", got)
	}
}

func TestClockStopFreezesAndResumes(t *testing.T) {
	ft := newFakeTime()
	c := NewClock(ft.now)
	c.Play()
	ft.advance(500 * time.Millisecond)
	c.Stop()
	ft.advance(10 * time.Second)
	if got := c.Beat(); !closeEnough(got, 1) {
		t.Fatalf("beat advanced while stopped: %v", got)
	}
	c.Play()
	ft.advance(time.Second)
	if got := c.Beat(); !closeEnough(got, 3) {
		t.Errorf("beat after resume = %v, want 3", got)
	}
}

func TestClockSetBPMForwardOnly(t *testing.T) {
	ft := newFakeTime()
	c := NewClock(ft.now)
	c.Play()
	ft.advance(time.Second) // 2 beats at 120
	c.SetBPM(60)
	ft.advance(time.Second) // 1 beat at 60
	if got := c.Beat(); !closeEnough(got, 3) {
		t.Errorf("beat after tempo change = %v, want 3", got)
	}
	c.SetBPM(0) // ignored
	if got := c.BPM(); got != 60 {
		t.Errorf("BPM after invalid set = %v, want 60", got)
	}
}

func TestClockSeek(t *testing.T) {
	ft := newFakeTime()
	c := NewClock(ft.now)
	c.Play()
	ft.advance(time.Second)
	c.Seek(16)
	ft.advance(500 * time.Millisecond)
	if got := c.Beat(); !closeEnough(got, 17) {
		t.Errorf("beat after seek = %v, want 17", got)
	}
}

func closeEnough(got, want float64) bool {
	d := got - want
	return d > -1e-9 && d < 1e-9
}

// triggerLog collects trigger callbacks across goroutines.
type triggerLog struct {
	mu   sync.Mutex
	hits []string
}

func (l *triggerLog) add(source string, slice int) {
	l.mu.Lock()
	l.hits = append(l.hits, source)
	l.mu.Unlock()
}

func (l *triggerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testEngine(t *testing.T, ft *fakeTime, log *triggerLog) *Engine {
	t.Helper()
	e := NewEngine(Options{
		Seed:        1,
		ControlTick: time.Millisecond,
		Now:         ft.now,
		OnTrigger:   log.add,
	})
	t.Cleanup(e.Close)
	src := rampAudio(sampo.SampleRate) // 1 second
	if err := e.AddSource("drums", src, halves(), FXParams{}, false, false); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEngineDegradedModeFiresCallbacks(t *testing.T) {
	ft := newFakeTime()
	log := &triggerLog{}
	e := testEngine(t, ft, log)
	e.Schedule(
		sampo.Trigger{Beat: 0, Source: "drums", Slice: 0},
		sampo.Trigger{Beat: 0.5, Source: "drums", Slice: 1},
	)
	e.Play()
	waitFor(t, func() bool { return log.count() >= 1 }, "the beat-0 trigger")
	// 0.6 beats at 120 BPM: the 0.5-beat trigger lands exactly on the late
	// tolerance boundary and must still fire
	ft.advance(300 * time.Millisecond)
	waitFor(t, func() bool { return log.count() >= 2 }, "the boundary trigger")
}

func TestEngineRealtimeResolvesBuffers(t *testing.T) {
	ft := newFakeTime()
	log := &triggerLog{}
	e := testEngine(t, ft, log)
	e.Player() // attach a backend: realtime path
	e.SetRules([]sampo.Rule{{Condition: sampo.ConditionFirstSlice, Action: sampo.ActionPitchUp7, Probability: 1, Enabled: true}})
	e.Schedule(sampo.Trigger{Beat: 0, Source: "drums", Slice: 0})
	e.Play()

	var trig TriggerMsg
	waitFor(t, func() bool {
		for {
			msg, ok := TimeoutReceive(e.broker.ToPlayer, 10*time.Millisecond)
			if !ok {
				return false
			}
			if tm, isTrig := msg.(TriggerMsg); isTrig {
				trig = tm
				return true
			}
		}
	}, "a trigger message")
	if trig.Buf == nil || len(trig.Buf.Data) == 0 {
		t.Fatal("trigger arrived without a resolved buffer")
	}
	if trig.Source != 0 || trig.Slice != 0 {
		t.Errorf("trigger source/slice = %d/%d, want 0/0", trig.Source, trig.Slice)
	}
	if trig.Opts.PitchShift != 7 {
		t.Errorf("rule mutation not applied, pitch = %v", trig.Opts.PitchShift)
	}
}

func TestEngineRouterFansOut(t *testing.T) {
	ft := newFakeTime()
	log := &triggerLog{}
	e := testEngine(t, ft, log)
	if err := e.AddSource("bass", rampAudio(sampo.SampleRate), halves(), FXParams{}, false, false); err != nil {
		t.Fatal(err)
	}
	e.SetRoutes([]sampo.Route{{Source: "drums", Target: "bass", Enabled: true, Probability: 1, VelocityScale: 1}})
	e.Schedule(sampo.Trigger{Beat: 0, Source: "drums", Slice: 0})
	e.Play()
	// stay well inside the late tolerance: the advance can land before the
	// first control tick gets to run
	ft.advance(30 * time.Millisecond)
	waitFor(t, func() bool { return log.count() >= 2 }, "the source and the derived trigger")

	log.mu.Lock()
	defer log.mu.Unlock()
	seen := map[string]bool{}
	for _, s := range log.hits {
		seen[s] = true
	}
	if !seen["drums"] || !seen["bass"] {
		t.Errorf("fired on %v, want both drums and bass", log.hits)
	}
}

func TestEngineLoopRefiresPattern(t *testing.T) {
	ft := newFakeTime()
	log := &triggerLog{}
	e := testEngine(t, ft, log)
	e.SetLoop(0, 1)
	e.Schedule(sampo.Trigger{Beat: 0, Source: "drums", Slice: 0})
	e.Play()
	waitFor(t, func() bool { return log.count() >= 1 }, "first pass")
	ft.advance(510 * time.Millisecond) // just past the 1-beat loop end
	waitFor(t, func() bool { return log.count() >= 2 }, "second pass after the wrap")
}

func TestEngineStopResetRewinds(t *testing.T) {
	ft := newFakeTime()
	log := &triggerLog{}
	e := testEngine(t, ft, log)
	e.Play()
	ft.advance(time.Second)
	e.Stop(true)
	if got := e.Beat(); got != 0 {
		t.Errorf("beat after stop with reset = %v, want 0", got)
	}
	if e.Playing() {
		t.Error("still playing after stop")
	}
}

func TestEngineStaleTriggersDropped(t *testing.T) {
	ft := newFakeTime()
	log := &triggerLog{}
	e := testEngine(t, ft, log)
	e.Play()
	ft.advance(2 * time.Second) // beat 4
	// scheduled far behind the playhead and beyond the late tolerance
	e.Schedule(sampo.Trigger{Beat: 0, Source: "drums", Slice: 0})
	time.Sleep(50 * time.Millisecond)
	if n := log.count(); n != 0 {
		t.Errorf("stale trigger fired %d times", n)
	}
}

func TestEngineDirectTriggerChokes(t *testing.T) {
	ft := newFakeTime()
	log := &triggerLog{}
	e := testEngine(t, ft, log)
	e.Player() // attach a backend: realtime path
	if err := e.TriggerSlice("drums", 0, sampo.TriggerOpts{}); err != nil {
		t.Fatal(err)
	}
	// the direct path sends synchronously, so the message is already queued
	for {
		select {
		case msg := <-e.broker.ToPlayer:
			if tm, ok := msg.(TriggerMsg); ok {
				if !tm.Opts.Choke {
					t.Error("direct trigger does not choke by default")
				}
				return
			}
		default:
			t.Fatal("no trigger message sent")
		}
	}
}

func TestEngineTriggerPad(t *testing.T) {
	ft := newFakeTime()
	log := &triggerLog{}
	e := testEngine(t, ft, log)
	if err := e.TriggerPad("drums", 1, 0.9); err != nil {
		t.Fatal(err)
	}
	if log.count() != 1 {
		t.Fatalf("pad trigger did not fire in degraded mode")
	}
	if err := e.TriggerPad("ghost", 0, 1); err == nil {
		t.Error("pad trigger on unknown source did not error")
	}
}
