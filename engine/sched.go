package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sampoaudio/sampo"
)

type (
	// Clock is the control domain's musical clock and the single source of
	// truth for the current beat. Beat position is derived from a mark (a
	// beat pinned to a wall-clock instant) so tempo changes apply forward
	// only and never rewrite the past. Not safe for concurrent use; the
	// engine serializes access.
	Clock struct {
		now        func() time.Time
		bpm        float64
		playing    bool
		beatAtMark float64
		mark       time.Time
	}

	// Options configures a new Engine. Zero values select the defaults.
	// Callbacks are invoked from the control goroutine and must not block;
	// a nil callback is simply skipped.
	Options struct {
		MemoryBudget int64
		Seed         int64
		ControlTick  time.Duration
		Now          func() time.Time

		OnTick     func(sampo.TickEvent)
		OnPosition func(sampo.PositionEvent)
		OnTrigger  func(source string, slice int)
		OnAlert    func(Alert)
	}

	// Engine is the control-domain facade tying the pool, rules, router and
	// clock together and feeding the render-domain player through the
	// broker. All methods are safe for concurrent use. One control
	// goroutine owns the ~25ms scheduling tick and the event pump draining
	// the player's messages.
	Engine struct {
		broker   *Broker
		pool     *SlicePool
		rules    *RuleEngine
		router   *Router
		player   *Player
		detector *LevelDetector
		opts     Options

		mu           sync.Mutex
		clock        Clock
		sources      []engineSource
		byName       map[string]int
		ruleSet      []sampo.Rule
		routeSet     []sampo.Route
		queue        []sampo.Trigger // sorted by beat
		pattern      []sampo.Trigger // refill source for loop wraps and seeks
		loopStart    float64
		loopEnd      float64
		looping      bool
		ticksPerBeat int
		swing        float64
		realtime     bool
	}

	engineSource struct {
		name      string
		bank      BankHandle
		fx        FXParams
		fxEnabled bool
	}
)

const (
	// controlTick is the period of the control loop; scheduling decisions
	// happen at this granularity, audio placement stays sample accurate.
	controlTick = 25 * time.Millisecond

	// lookahead is how far ahead of the playhead triggers are handed to the
	// render domain, so a late control tick cannot starve the player.
	lookahead = 100 * time.Millisecond

	// lateTolerance is how far behind the playhead a trigger may be and
	// still play (at the top of the next block); older triggers are dropped.
	lateTolerance = 50 * time.Millisecond

	// stopFade is the voice fade applied when the transport stops.
	stopFade = 0.01
)

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, bpm: 120, mark: now()}
}

// Beat returns the current playhead position in beats.
func (c *Clock) Beat() float64 {
	if !c.playing {
		return c.beatAtMark
	}
	return c.beatAtMark + c.now().Sub(c.mark).Minutes()*c.bpm
}

func (c *Clock) Playing() bool { return c.playing }
func (c *Clock) BPM() float64  { return c.bpm }

func (c *Clock) Play() {
	if c.playing {
		return
	}
	c.mark = c.now()
	c.playing = true
}

func (c *Clock) Stop() {
	if !c.playing {
		return
	}
	c.beatAtMark = c.Beat()
	c.playing = false
}

// Seek re-marks the clock at the given beat without changing the transport
// state.
func (c *Clock) Seek(beat float64) {
	c.beatAtMark = beat
	c.mark = c.now()
}

// SetBPM re-marks the clock at the current beat so the new tempo applies
// going forward only. Non-positive tempos are ignored.
func (c *Clock) SetBPM(bpm float64) {
	if bpm <= 0 {
		return
	}
	c.beatAtMark = c.Beat()
	c.mark = c.now()
	c.bpm = bpm
}

// beatsIn converts a duration to beats at the current tempo.
func (c *Clock) beatsIn(d time.Duration) float64 {
	return d.Minutes() * c.bpm
}

func NewEngine(opts Options) *Engine {
	if opts.ControlTick <= 0 {
		opts.ControlTick = controlTick
	}
	broker := NewBroker()
	e := &Engine{
		broker:       broker,
		pool:         NewSlicePool(broker, opts.MemoryBudget),
		rules:        NewRuleEngine(opts.Seed),
		router:       NewRouter(opts.Seed + 1),
		player:       NewPlayer(broker),
		detector:     NewLevelDetector(),
		opts:         opts,
		clock:        *NewClock(opts.Now),
		byName:       make(map[string]int),
		ticksPerBeat: 4,
	}
	go e.run()
	return e
}

// Player returns the render-domain player and marks a backend as attached;
// the backend goroutine is expected to call Process per audio block from
// here on. Without this call the engine stays in degraded mode: the control
// loop fires trigger events itself at control-tick granularity, with no
// audio and no sample accuracy.
func (e *Engine) Player() *Player {
	e.mu.Lock()
	e.realtime = true
	e.mu.Unlock()
	return e.player
}

// AddSource loads a bank of slices for a named source and registers its mix
// strip with the player. Protected sources are exempt from pool eviction.
func (e *Engine) AddSource(name string, src *sampo.DecodedAudio, ranges []sampo.SliceRange, fx FXParams, fxEnabled, protected bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byName[name]; ok {
		return fmt.Errorf("source %q already exists", name)
	}
	h, err := e.pool.LoadBank(name, src, ranges)
	if err != nil {
		return err
	}
	if protected {
		e.pool.Protect(h)
	}
	e.byName[name] = len(e.sources)
	e.sources = append(e.sources, engineSource{name: name, bank: h, fx: fx, fxEnabled: fxEnabled})
	e.sendStrips()
	return nil
}

func (e *Engine) sendStrips() {
	strips := make([]SourceStrip, len(e.sources))
	for i, s := range e.sources {
		strips[i] = SourceStrip{Name: s.name, FX: s.fx, FXEnabled: s.fxEnabled}
	}
	TrySend[MsgToPlayer](e.broker.ToPlayer, SourcesMsg{Strips: strips})
}

// ProtectSource pins or unpins a source's bank against eviction.
func (e *Engine) ProtectSource(name string, protect bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.byName[name]
	if !ok {
		return fmt.Errorf("source %q: %w", name, ErrBankNotFound)
	}
	if protect {
		e.pool.Protect(e.sources[idx].bank)
	} else {
		e.pool.Unprotect(e.sources[idx].bank)
	}
	return nil
}

// SetFX reconfigures one source's insert chain; the enable state crossfades.
func (e *Engine) SetFX(name string, params FXParams, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.byName[name]
	if !ok {
		return fmt.Errorf("source %q: %w", name, ErrBankNotFound)
	}
	e.sources[idx].fx = params
	e.sources[idx].fxEnabled = enabled
	TrySend[MsgToPlayer](e.broker.ToPlayer, FXMsg{Source: idx, Enabled: enabled, Params: params})
	return nil
}

func (e *Engine) SetRules(rules []sampo.Rule) {
	e.mu.Lock()
	e.ruleSet = append(e.ruleSet[:0], rules...)
	e.mu.Unlock()
}

func (e *Engine) SetRoutes(routes []sampo.Route) {
	e.mu.Lock()
	e.routeSet = append(e.routeSet[:0], routes...)
	e.mu.Unlock()
}

// Schedule adds beat-stamped triggers to the pattern and, when due in the
// future, to the live queue. The pattern is what loop wraps and seeks refill
// the queue from.
func (e *Engine) Schedule(triggers ...sampo.Trigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pattern = append(e.pattern, triggers...)
	for _, t := range triggers {
		e.insert(t)
	}
}

func (e *Engine) insert(t sampo.Trigger) {
	i := sort.Search(len(e.queue), func(i int) bool { return e.queue[i].Beat > t.Beat })
	e.queue = append(e.queue, sampo.Trigger{})
	copy(e.queue[i+1:], e.queue[i:])
	e.queue[i] = t
}

// ClearPattern drops all scheduled and queued triggers.
func (e *Engine) ClearPattern() {
	e.mu.Lock()
	e.pattern = e.pattern[:0]
	e.queue = e.queue[:0]
	e.mu.Unlock()
}

// Play starts the transport at the current beat and refills the queue from
// the pattern.
func (e *Engine) Play() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock.Play()
	e.refillQueue(e.clock.Beat())
	TrySend[MsgToPlayer](e.broker.ToPlayer, TransportMsg{Playing: true, Beat: e.clock.Beat()})
	e.sendTempo()
}

// Stop halts the transport. With reset the playhead returns to beat 0 and
// the rule and router state is cleared; without it the playhead stays put
// for a later resume.
func (e *Engine) Stop(reset bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock.Stop()
	if reset {
		e.clock.Seek(0)
		e.rules.Reset()
		e.router.Reset()
	}
	e.queue = e.queue[:0]
	TrySend[MsgToPlayer](e.broker.ToPlayer, TransportMsg{Playing: false, Fade: stopFade})
}

// Seek moves the playhead, clears stale conditional state and refills the
// queue from the pattern at the new position. Playback continues if running.
func (e *Engine) Seek(beat float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock.Seek(beat)
	e.rules.Reset()
	e.router.Reset()
	e.refillQueue(beat)
	if e.clock.Playing() {
		TrySend[MsgToPlayer](e.broker.ToPlayer, TransportMsg{Playing: true, Beat: beat})
	}
}

func (e *Engine) refillQueue(fromBeat float64) {
	e.queue = e.queue[:0]
	for _, t := range e.pattern {
		if t.Beat >= fromBeat {
			e.insert(t)
		}
	}
}

// SetBPM changes the tempo going forward; the current beat is preserved.
func (e *Engine) SetBPM(bpm float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock.SetBPM(bpm)
	e.sendTempo()
}

// SetSwing sets the fraction of a tick by which odd subdivision pulses are
// delayed, 0..1.
func (e *Engine) SetSwing(swing float64) {
	if swing < 0 || swing > 1 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.swing = swing
	e.sendTempo()
}

func (e *Engine) SetTicksPerBeat(n int) {
	if n < 1 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticksPerBeat = n
	e.sendTempo()
}

func (e *Engine) sendTempo() {
	TrySend[MsgToPlayer](e.broker.ToPlayer, TempoMsg{BPM: e.clock.BPM(), TicksPerBeat: e.ticksPerBeat, Swing: e.swing})
}

// SetLoop makes the playhead wrap from end back to start, refilling the
// queue from the pattern on every wrap. An empty or inverted range clears
// the loop.
func (e *Engine) SetLoop(start, end float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if end <= start {
		e.looping = false
		return
	}
	e.loopStart, e.loopEnd, e.looping = start, end, true
}

// Beat returns the current playhead position.
func (e *Engine) Beat() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.Beat()
}

// Playing reports the control-domain transport state.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock.Playing()
}

// MemoryUsed reports the pool's tracked slice memory in bytes.
func (e *Engine) MemoryUsed() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.MemoryUsed()
}

// Levels returns the output peak and RMS as measured over rendered audio
// arriving from the player.
func (e *Engine) Levels() (peak, rms float32) {
	return e.detector.Peak(), e.detector.RMS()
}

// TriggerSlice fires a slice immediately, bypassing the beat queue, rules
// and routes; the pad-style direct path. The trigger sounds at the top of
// the player's next block. Direct triggers always choke: everything still
// ringing is cut so pad playback stays monophonic. Overlapping playback goes
// through Schedule instead.
func (e *Engine) TriggerSlice(source string, slice int, opts sampo.TriggerOpts) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	opts.Choke = true
	idx, ok := e.byName[source]
	if !ok {
		return fmt.Errorf("source %q: %w", source, ErrBankNotFound)
	}
	if !e.realtime {
		if e.opts.OnTrigger != nil {
			e.opts.OnTrigger(source, slice)
		}
		return nil
	}
	return e.sendTrigger(idx, slice, TriggerNow, opts)
}

// TriggerPad is TriggerSlice taking just a velocity, for MIDI pad input.
func (e *Engine) TriggerPad(source string, slice int, velocity float64) error {
	return e.TriggerSlice(source, slice, sampo.TriggerOpts{Velocity: velocity})
}

// Close shuts down the control goroutine. Waiting is bounded so a stuck
// callback cannot deadlock the host.
func (e *Engine) Close() {
	TrySend(e.broker.CloseControl, struct{}{})
	TimeoutReceive(e.broker.FinishedControl, 3*time.Second)
}

// run is the control goroutine: the scheduling tick and the event pump for
// player messages, in one select loop so control state needs no extra
// locking against itself.
func (e *Engine) run() {
	defer close(e.broker.FinishedControl)
	ticker := time.NewTicker(e.opts.ControlTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.broker.CloseControl:
			return
		case <-ticker.C:
			e.pump()
		case msg := <-e.broker.ToModel:
			e.handleModelMsg(msg)
		}
	}
}

// pump advances the scheduler by one control tick: loop wrapping, then
// dispatching every queued trigger due within the lookahead horizon.
func (e *Engine) pump() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.clock.Playing() {
		return
	}
	nowBeat := e.clock.Beat()
	if e.looping && nowBeat >= e.loopEnd {
		nowBeat = e.loopStart + fmod(nowBeat-e.loopStart, e.loopEnd-e.loopStart)
		e.clock.Seek(nowBeat)
		// refill from the loop start; the normal late tolerance below covers
		// the small overshoot past the loop end
		e.refillQueue(e.loopStart)
		TrySend[MsgToPlayer](e.broker.ToPlayer, TransportMsg{Playing: true, Beat: nowBeat})
	}
	horizon := nowBeat
	if e.realtime {
		horizon += e.clock.beatsIn(lookahead)
	}
	// the epsilon keeps a trigger sitting exactly on the tolerance boundary
	// from being dropped by float rounding
	tolerance := e.clock.beatsIn(lateTolerance) + 1e-9
	for len(e.queue) > 0 && e.queue[0].Beat <= horizon {
		t := e.queue[0]
		e.queue = e.queue[1:]
		if nowBeat-t.Beat > tolerance {
			continue // stale, silently dropped
		}
		e.dispatch(t)
	}
	if !e.realtime && e.opts.OnPosition != nil {
		e.opts.OnPosition(sampo.PositionEvent{Beat: nowBeat})
	}
}

// dispatch runs one scheduled trigger through the rule engine and the
// router and hands the results to the player. Derived triggers from routes
// are sent directly and never fed back through the route table.
func (e *Engine) dispatch(t sampo.Trigger) {
	idx, ok := e.byName[t.Source]
	if !ok {
		return
	}
	opts := t.Opts
	vel := opts.VelocityOrDefault()
	m := e.rules.Evaluate(e.ruleSet, t.Source, t.Slice, vel, t.Beat, e.pool.NumSlices(e.sources[idx].bank))
	if m.Skip {
		return
	}
	opts.Velocity = m.Velocity
	opts.PitchShift += m.Pitch
	if m.Reverse {
		opts.Reverse = !opts.Reverse
	}
	e.deliver(idx, t.Source, m.Slice, t.Beat, opts)
	if m.Retrigger {
		e.deliver(idx, t.Source, m.Slice, t.Beat+0.5/float64(e.ticksPerBeat), opts)
	}
	for _, d := range e.router.Fan(e.routeSet, t.Source, m.Slice, m.Velocity, t.Beat, e.targetSlices) {
		tIdx, ok := e.byName[d.Target]
		if !ok {
			continue
		}
		dOpts := sampo.TriggerOpts{Velocity: d.Velocity, PitchShift: d.PitchShift}
		e.deliver(tIdx, d.Target, d.Slice, d.Beat, dOpts)
	}
}

func (e *Engine) targetSlices(name string) int {
	idx, ok := e.byName[name]
	if !ok {
		return 0
	}
	return e.pool.NumSlices(e.sources[idx].bank)
}

// deliver sends one resolved trigger to the player, or fires the trigger
// callback directly in degraded mode.
func (e *Engine) deliver(idx int, source string, slice int, beat float64, opts sampo.TriggerOpts) {
	if !e.realtime {
		if e.opts.OnTrigger != nil {
			e.opts.OnTrigger(source, slice)
		}
		return
	}
	if err := e.sendTrigger(idx, slice, beat, opts); err != nil && e.opts.OnAlert != nil {
		e.opts.OnAlert(Alert{Name: "Trigger", Message: err.Error(), Priority: Warning})
	}
}

func (e *Engine) sendTrigger(idx, slice int, beat float64, opts sampo.TriggerOpts) error {
	bank := e.sources[idx].bank
	var (
		buf *SliceBuffer
		err error
	)
	if opts.Reverse {
		buf, err = e.pool.Reversed(bank, slice)
	} else {
		buf, err = e.pool.Slice(bank, slice)
	}
	if err != nil {
		return fmt.Errorf("source %q slice %d: %w", e.sources[idx].name, slice, err)
	}
	TrySend[MsgToPlayer](e.broker.ToPlayer, TriggerMsg{Beat: beat, Source: idx, Slice: slice, Buf: buf, Opts: opts})
	return nil
}

func (e *Engine) handleModelMsg(msg MsgToModel) {
	switch data := msg.Data.(type) {
	case *sampo.AudioBuffer:
		e.detector.Process(*data)
		e.broker.PutAudioBuffer(data)
	case *Alert:
		if e.opts.OnAlert != nil {
			e.opts.OnAlert(*data)
		}
	}
	if msg.HasPosition && e.opts.OnPosition != nil {
		e.opts.OnPosition(sampo.PositionEvent{
			Beat: msg.Beat,
			Time: time.Duration(msg.Frame) * time.Second / sampo.SampleRate,
		})
	}
	if msg.Tick > 0 && e.opts.OnTick != nil {
		e.opts.OnTick(sampo.TickEvent{Beat: msg.TickBeat, Tick: msg.Tick - 1, Frame: msg.Frame})
	}
	if msg.TriggerSource > 0 && e.opts.OnTrigger != nil {
		e.mu.Lock()
		name := ""
		if i := msg.TriggerSource - 1; i < len(e.sources) {
			name = e.sources[i].name
		}
		e.mu.Unlock()
		if name != "" {
			e.opts.OnTrigger(name, msg.TriggerSlice)
		}
	}
}

func fmod(x, m float64) float64 {
	for x >= m {
		x -= m
	}
	if x < 0 {
		x = 0
	}
	return x
}
