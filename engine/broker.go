package engine

import (
	"sync"
	"time"

	"github.com/sampoaudio/sampo"
)

type (
	// Broker is the centralized message broker between the control domain
	// (engine, pool, scheduler) and the render domain (player). Communication
	// is one-way message passing in each direction, one buffered channel per
	// recipient, and every send from the render domain is non-blocking.
	// Additionally, the broker has a sync.Pool for *sampo.AudioBuffer, from
	// which the player can get and return buffers to pass rendered audio to
	// the control domain without allocating every block.
	//
	// For closing the control goroutines, CloseControl has a capacity of 1,
	// so requesting closure never blocks; if the channel is already full,
	// someone else has already requested it and dropping the message is fine.
	// FinishedControl is closed when the control loop has cleaned up, so
	// Close can wait on it, combined with a timeout to avoid deadlocks.
	Broker struct {
		ToPlayer chan MsgToPlayer
		ToModel  chan MsgToModel

		CloseControl    chan struct{}
		FinishedControl chan struct{}

		bufferPool sync.Pool
	}

	// MsgToPlayer is the closed set of messages the render domain accepts.
	// The player switches on the concrete type and ignores anything it does
	// not know, so no loosely-typed data ever reaches the hot path.
	MsgToPlayer interface{ playerMsg() }

	// TriggerMsg realizes one slice trigger. The slice buffer is already
	// resolved by the control domain; the player never touches the pool.
	TriggerMsg struct {
		Beat   float64
		Source int // index into the player's source strips
		Slice  int
		Buf    *SliceBuffer
		Opts   sampo.TriggerOpts
	}

	// TransportMsg starts or stops playback. On start, the player marks the
	// given beat against its current frame clock; all later beat-stamped
	// triggers are converted to frames against that mark.
	TransportMsg struct {
		Playing bool
		Beat    float64
		Fade    float64 // seconds, fade applied to voices when stopping
	}

	// TempoMsg updates the beat-to-frame conversion going forward. It never
	// rewrites the start frames of already-queued triggers.
	TempoMsg struct {
		BPM          float64
		TicksPerBeat int
		Swing        float64 // 0..1, fraction of a tick to delay odd ticks
	}

	// StopVoicesMsg stops all voices with a linear fade, without touching
	// the transport.
	StopVoicesMsg struct {
		Fade float64 // seconds
	}

	// SourcesMsg replaces the player's per-source strips (FX chains and
	// names). Sent at configuration time, before triggers referring to the
	// sources.
	SourcesMsg struct {
		Strips []SourceStrip
	}

	// FXMsg toggles or reconfigures one source's insert chain. Toggling
	// crossfades dry/wet over fxCrossfade rather than switching instantly.
	FXMsg struct {
		Source  int
		Enabled bool
		Params  FXParams
	}

	// MsgToModel is a message sent to the control domain. The most often
	// sent data (position, voice levels, ticks) are not boxed to avoid
	// allocations; infrequent messages (alerts, rendered audio) travel in
	// Data as pointer types, which are cheap to box.
	MsgToModel struct {
		HasPosition  bool
		Beat         float64
		Frame        int64
		VoiceLevels  [MaxVoices]float32
		ActiveVoices int

		Tick     int // 0 = no tick, else tick index + 1
		TickBeat float64

		TriggerSource int // 0 = none, else source index + 1
		TriggerSlice  int

		Data any // *sampo.AudioBuffer, Alert
	}

	// Alert is an operational warning raised inside the engine. The render
	// domain never logs; it sends alerts here instead.
	Alert struct {
		Name     string
		Message  string
		Priority AlertPriority
	}

	AlertPriority int
)

const (
	Notify AlertPriority = iota
	Warning
	Error
)

func (TriggerMsg) playerMsg()    {}
func (TransportMsg) playerMsg()  {}
func (TempoMsg) playerMsg()      {}
func (StopVoicesMsg) playerMsg() {}
func (SourcesMsg) playerMsg()    {}
func (FXMsg) playerMsg()         {}

func NewBroker() *Broker {
	return &Broker{
		ToPlayer:        make(chan MsgToPlayer, 1024),
		ToModel:         make(chan MsgToModel, 1024),
		CloseControl:    make(chan struct{}, 1),
		FinishedControl: make(chan struct{}),
		bufferPool:      sync.Pool{New: func() any { return &sampo.AudioBuffer{} }},
	}
}

// GetAudioBuffer returns an audio buffer from the buffer pool. The buffer is
// guaranteed to be empty. After use it should be returned with
// PutAudioBuffer.
func (b *Broker) GetAudioBuffer() *sampo.AudioBuffer {
	return b.bufferPool.Get().(*sampo.AudioBuffer)
}

// PutAudioBuffer returns an audio buffer to the buffer pool, resetting its
// length (but keeping capacity) if needed.
func (b *Broker) PutAudioBuffer(buf *sampo.AudioBuffer) {
	if len(*buf) > 0 {
		*buf = (*buf)[:0]
	}
	b.bufferPool.Put(buf)
}

// TrySend is a helper to send a value to a channel if it is not full. It is
// guaranteed to be non-blocking. Returns true if the value was sent.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive blocks until a value is received from the channel or the
// timeout elapses; ok is false on timeout or when the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
