package engine

import (
	"math"

	"github.com/sampoaudio/sampo"
)

type (
	// Player is the render domain. Process is called by the audio backend
	// once per fixed-size block; it must never block, never allocate
	// unboundedly, and never wait on the control domain. It drains its
	// message channel non-blockingly at the start of every block, fires due
	// ticks and triggers at exact in-block offsets, renders all voices
	// through their per-source strips and reports position/level/tick events
	// back to the control domain with non-blocking sends.
	Player struct {
		broker *Broker

		// voice slots beyond MaxVoices give stolen voices room to finish
		// their fade; they are not counted as active.
		voices  [MaxVoices + stealSlack]voice
		levels  [MaxVoices]float32
		nextSeq int64

		frame   int64 // absolute render frame count
		playing bool

		bpm          float64
		ticksPerBeat int
		swing        float64

		beatAtMark float64
		markFrame  int64
		tickIndex  int64 // ticks emitted since the mark

		queue  []pendingTrigger // pending triggers, unordered; scanned per block
		strips []strip

		scratch sampo.AudioBuffer
	}

	// SourceStrip describes one source's mix strip: a name for reporting and
	// the insert chain parameters.
	SourceStrip struct {
		Name      string
		FX        FXParams
		FXEnabled bool
	}

	strip struct {
		name string
		fx   *FXChain
		mix  sampo.AudioBuffer
	}

	pendingTrigger struct {
		startFrame int64
		msg        TriggerMsg
	}
)

const stealSlack = 8

// TriggerNow is the Beat value of a TriggerMsg that should sound at the top
// of the next processed block, bypassing the beat clock; used for pad-style
// direct triggering.
const TriggerNow = math.MaxFloat64

func NewPlayer(broker *Broker) *Player {
	return &Player{
		broker:       broker,
		bpm:          120,
		ticksPerBeat: 4,
	}
}

// Process renders one block. The buffer length is the block size; everything
// scheduled within [frame, frame+len) happens at its exact in-block offset.
func (p *Player) Process(buffer sampo.AudioBuffer) {
	p.processMessages()
	for i := range buffer {
		buffer[i] = [2]float32{}
	}
	if len(buffer) == 0 {
		return
	}
	blockEnd := p.frame + int64(len(buffer))

	if p.playing {
		p.fireTicks(blockEnd)
	}
	p.fireTriggers(blockEnd)
	p.renderStrips(buffer)

	alpha := float32(math.Exp(-float64(len(buffer)) / 15000))
	for i := range p.levels {
		p.levels[i] *= alpha
	}
	p.frame = blockEnd

	p.sendPosition()
	p.sendAudio(buffer)
}

// processMessages drains the control channel without blocking. Unknown
// message types are ignored.
func (p *Player) processMessages() {
loop:
	for {
		select {
		case msg := <-p.broker.ToPlayer:
			switch m := msg.(type) {
			case TriggerMsg:
				p.enqueue(m)
			case TransportMsg:
				p.setTransport(m)
			case TempoMsg:
				p.setTempo(m)
			case StopVoicesMsg:
				p.stopAll(m.Fade)
			case SourcesMsg:
				p.setStrips(m.Strips)
			case FXMsg:
				if m.Source >= 0 && m.Source < len(p.strips) {
					p.strips[m.Source].fx.SetParams(m.Params)
					p.strips[m.Source].fx.SetEnabled(m.Enabled)
				}
			default:
				// ignore unknown messages
			}
		default:
			break loop
		}
	}
}

func (p *Player) enqueue(m TriggerMsg) {
	var start int64
	if m.Beat == TriggerNow {
		start = p.frame
	} else {
		start = p.markFrame + int64((m.Beat-p.beatAtMark)*p.framesPerBeat())
	}
	if m.Opts.MicroOffset != 0 {
		start += int64(m.Opts.MicroOffset * p.framesPerBeat())
	}
	p.queue = append(p.queue, pendingTrigger{startFrame: start, msg: m})
}

func (p *Player) setTransport(m TransportMsg) {
	if m.Playing {
		p.beatAtMark = m.Beat
		p.markFrame = p.frame
		p.tickIndex = 0
		p.playing = true
	} else {
		p.playing = false
		fade := m.Fade
		if fade <= 0 {
			fade = stealFade
		}
		p.stopAll(fade)
	}
	p.queue = p.queue[:0]
}

// setTempo re-marks the beat clock at the current frame so the new BPM
// applies going forward only; start frames of already-queued triggers are
// left as they are.
func (p *Player) setTempo(m TempoMsg) {
	if m.BPM > 0 {
		p.beatAtMark = p.beatAt(p.frame)
		p.markFrame = p.frame
		p.tickIndex = 0
		p.bpm = m.BPM
	}
	if m.TicksPerBeat > 0 {
		p.ticksPerBeat = m.TicksPerBeat
	}
	if m.Swing >= 0 && m.Swing <= 1 {
		p.swing = m.Swing
	}
}

func (p *Player) setStrips(strips []SourceStrip) {
	p.strips = p.strips[:0]
	for _, s := range strips {
		chain := newFXChain(s.FX)
		chain.SetEnabled(s.FXEnabled)
		p.strips = append(p.strips, strip{name: s.Name, fx: chain})
	}
}

// fireTicks emits every subdivision pulse falling inside the block. Odd
// ticks are delayed by swing as a fraction of a tick.
func (p *Player) fireTicks(blockEnd int64) {
	framesPerTick := p.framesPerBeat() / float64(p.ticksPerBeat)
	for {
		nominal := float64(p.markFrame) + float64(p.tickIndex)*framesPerTick
		if p.tickIndex&1 == 1 {
			nominal += p.swing * framesPerTick
		}
		tickFrame := int64(nominal)
		if tickFrame >= blockEnd {
			return
		}
		if tickFrame < p.frame {
			tickFrame = p.frame // late tick, report at the top of the block
		}
		TrySend(p.broker.ToModel, MsgToModel{
			Tick:     int(p.tickIndex%int64(p.ticksPerBeat)) + 1,
			TickBeat: p.beatAt(tickFrame),
			Frame:    tickFrame,
		})
		p.tickIndex++
	}
}

// fireTriggers starts all voices whose start frame falls inside the block.
// A trigger whose computed start has already passed is played at the top of
// the current block instead; best-effort, not sample-perfect.
func (p *Player) fireTriggers(blockEnd int64) {
	kept := p.queue[:0]
	for _, pt := range p.queue {
		if pt.startFrame >= blockEnd {
			kept = append(kept, pt)
			continue
		}
		offset := pt.startFrame - p.frame
		if offset < 0 {
			offset = 0
		}
		p.startVoice(pt.msg, int(offset))
	}
	p.queue = kept
}

func (p *Player) startVoice(msg TriggerMsg, delay int) {
	if msg.Buf == nil || len(msg.Buf.Data) == 0 {
		return
	}
	if msg.Opts.Choke {
		p.stopAll(stealFade)
	}
	// at the polyphony limit the oldest active voice is stolen with a short
	// fade; stealing, not an error
	stolen := -1
	if p.ActiveVoices() >= MaxVoices {
		stolen = p.oldestVoice()
		if stolen >= 0 {
			p.voices[stolen].stop(stealFade)
		}
	}
	slot := -1
	for i := range p.voices {
		if !p.voices[i].active {
			slot = i
			break
		}
	}
	if slot < 0 {
		// no free slot: reuse the slot of the voice just stolen, so one
		// trigger never removes two voices
		slot = stolen
	}
	if slot < 0 {
		// every slot is busy fading; hard-replace the oldest of them
		slot = 0
		for i := range p.voices {
			if p.voices[i].seq < p.voices[slot].seq {
				slot = i
			}
		}
	}
	p.voices[slot].start(msg, delay, p.nextSeq)
	p.nextSeq++
	if slot < len(p.levels) {
		p.levels[slot] = 1
	}
	TrySend(p.broker.ToModel, MsgToModel{
		TriggerSource: msg.Source + 1,
		TriggerSlice:  msg.Slice,
		Frame:         p.frame + int64(delay),
	})
}

// oldestVoice returns the longest-registered voice that is sounding and not
// already fading; the stealing victim. -1 when everything is fading.
func (p *Player) oldestVoice() int {
	best, bestSeq := -1, int64(math.MaxInt64)
	for i := range p.voices {
		if p.voices[i].active && !p.voices[i].stopping && p.voices[i].seq < bestSeq {
			best, bestSeq = i, p.voices[i].seq
		}
	}
	return best
}

func (p *Player) stopAll(fade float64) {
	for i := range p.voices {
		p.voices[i].stop(fade)
	}
}

// renderStrips renders every voice into its source strip, runs the insert
// chains and sums the strips into out.
func (p *Player) renderStrips(out sampo.AudioBuffer) {
	if cap(p.scratch) < len(out)*(len(p.strips)+1) {
		p.scratch = make(sampo.AudioBuffer, len(out)*(len(p.strips)+1))
	}
	scratch := p.scratch[:len(out)*(len(p.strips)+1)]
	for i := range scratch {
		scratch[i] = [2]float32{}
	}
	for i := range p.strips {
		p.strips[i].mix = scratch[i*len(out) : (i+1)*len(out)]
	}
	loose := scratch[len(p.strips)*len(out):] // voices on unknown sources

	for i := range p.voices {
		v := &p.voices[i]
		if !v.active {
			continue
		}
		dst := loose
		if v.source >= 0 && v.source < len(p.strips) {
			dst = p.strips[v.source].mix
		}
		if !v.render(dst) {
			v.active = false
		}
	}
	for i := range p.strips {
		p.strips[i].fx.process(p.strips[i].mix)
		for j := range out {
			out[j][0] += p.strips[i].mix[j][0]
			out[j][1] += p.strips[i].mix[j][1]
		}
	}
	for j := range out {
		out[j][0] += loose[j][0]
		out[j][1] += loose[j][1]
	}
}

// ActiveVoices counts voices that are sounding and not already fading out.
func (p *Player) ActiveVoices() int {
	count := 0
	for i := range p.voices {
		if p.voices[i].active && !p.voices[i].stopping {
			count++
		}
	}
	return count
}

// Playing reports the transport state as the render domain sees it.
func (p *Player) Playing() bool { return p.playing }

// Frame returns the absolute frame count of rendered audio.
func (p *Player) Frame() int64 { return p.frame }

// PendingTriggers returns the number of queued, not yet fired triggers.
func (p *Player) PendingTriggers() int { return len(p.queue) }

func (p *Player) framesPerBeat() float64 {
	return sampo.SampleRate * 60 / p.bpm
}

func (p *Player) beatAt(frame int64) float64 {
	if !p.playing {
		return p.beatAtMark
	}
	return p.beatAtMark + float64(frame-p.markFrame)/p.framesPerBeat()
}

// all sends from the player are non-blocking, so the render domain can
// never dead-lock on the control domain.
func (p *Player) sendPosition() {
	msg := MsgToModel{
		HasPosition:  true,
		Beat:         p.beatAt(p.frame),
		Frame:        p.frame,
		ActiveVoices: p.ActiveVoices(),
	}
	msg.VoiceLevels = p.levels
	TrySend(p.broker.ToModel, msg)
}

func (p *Player) sendAudio(buffer sampo.AudioBuffer) {
	bufPtr := p.broker.GetAudioBuffer() // borrow a buffer from the broker
	*bufPtr = append(*bufPtr, buffer...)
	if len(*bufPtr) == 0 || !TrySend(p.broker.ToModel, MsgToModel{Data: bufPtr}) {
		// sending the rendered audio to the control domain failed; return
		// the buffer to the broker
		p.broker.PutAudioBuffer(bufPtr)
	}
}
