package engine

import (
	"errors"
	"fmt"

	"github.com/sampoaudio/sampo"
)

type (
	// BankHandle is a generation-checked index into the pool's bank arena.
	// The zero value is never a valid handle, and handles to unloaded banks
	// go stale instead of aliasing a later bank in the same slot.
	BankHandle struct {
		index int
		gen   uint32
	}

	// SliceBuffer is one independently owned slice of sample data. The data
	// is a copy, not a view, so it stays valid if the source audio is
	// discarded. Once handed to the render domain it is read-only.
	SliceBuffer struct {
		Data sampo.AudioBuffer
	}

	bankSlot struct {
		gen       uint32
		name      string
		loaded    bool
		protected bool
		loadSeq   int
		bytes     int64
		slices    []*SliceBuffer
		reversed  map[int]*SliceBuffer
	}

	// SlicePool owns decoded source audio cut into per-slice buffers. It is
	// control-domain state: the render domain only ever sees *SliceBuffer
	// references resolved at trigger time. Memory is tracked across all
	// loaded banks and the pool evicts the oldest unprotected bank when the
	// budget is exceeded.
	SlicePool struct {
		broker  *Broker
		budget  int64
		used    int64
		slots   []bankSlot
		byName  map[string]BankHandle
		loadSeq int
	}
)

// DefaultMemoryBudget is the default slice memory budget in bytes.
const DefaultMemoryBudget = 512 << 20

// evictThreshold is the fraction of the budget above which eviction kicks in.
const evictThreshold = 0.95

var (
	ErrBankNotFound  = errors.New("bank not found")
	ErrSliceNotFound = errors.New("slice not found")
	ErrEmptyBank     = errors.New("bank has no slices")
)

func NewSlicePool(broker *Broker, budget int64) *SlicePool {
	if budget <= 0 {
		budget = DefaultMemoryBudget
	}
	return &SlicePool{
		broker: broker,
		budget: budget,
		byName: make(map[string]BankHandle),
	}
}

// LoadBank copies the given time ranges of src into an immutable bank of
// slice buffers and returns its handle. Loading is idempotent per name: if
// the bank is already loaded the existing handle is returned and src is not
// read again. A failed load registers nothing; there are no partial banks.
func (p *SlicePool) LoadBank(name string, src *sampo.DecodedAudio, ranges []sampo.SliceRange) (BankHandle, error) {
	if h, ok := p.byName[name]; ok && p.slot(h) != nil {
		return h, nil
	}
	if len(ranges) == 0 {
		return BankHandle{}, fmt.Errorf("loading bank %q: %w", name, ErrEmptyBank)
	}
	if src == nil {
		return BankHandle{}, fmt.Errorf("loading bank %q: source audio is nil", name)
	}
	if err := src.Validate(); err != nil {
		return BankHandle{}, fmt.Errorf("loading bank %q: %w", name, err)
	}
	slices := make([]*SliceBuffer, len(ranges))
	var bytes int64
	for i, r := range ranges {
		buf, err := cutSlice(src, r)
		if err != nil {
			return BankHandle{}, fmt.Errorf("loading bank %q slice %d: %w", name, i, err)
		}
		slices[i] = buf
		bytes += bufBytes(buf)
	}
	h := p.allocSlot()
	slot := &p.slots[h.index]
	slot.name = name
	slot.loaded = true
	slot.protected = false
	slot.loadSeq = p.loadSeq
	slot.bytes = bytes
	slot.slices = slices
	slot.reversed = make(map[int]*SliceBuffer)
	p.loadSeq++
	p.byName[name] = h
	p.used += bytes
	p.evictIfNeeded(h)
	return h, nil
}

// Handle looks up a loaded bank by name.
func (p *SlicePool) Handle(name string) (BankHandle, bool) {
	h, ok := p.byName[name]
	if !ok || p.slot(h) == nil {
		return BankHandle{}, false
	}
	return h, true
}

// UnloadBank releases all slice buffers and cached reversed derivatives of
// the bank. Unloading an unknown or stale handle is a no-op.
func (p *SlicePool) UnloadBank(h BankHandle) {
	slot := p.slot(h)
	if slot == nil {
		return
	}
	p.used -= slot.bytes
	delete(p.byName, slot.name)
	slot.gen++ // stale out all existing handles
	*slot = bankSlot{gen: slot.gen}
}

// Protect exempts the bank from eviction; hosts call this when a bank
// becomes the active selection.
func (p *SlicePool) Protect(h BankHandle) {
	if slot := p.slot(h); slot != nil {
		slot.protected = true
	}
}

func (p *SlicePool) Unprotect(h BankHandle) {
	if slot := p.slot(h); slot != nil {
		slot.protected = false
	}
}

// IsReady reports whether the bank is present and fully loaded. Loads are
// synchronous, so a handle is ready as soon as LoadBank returns and stays
// ready until the bank unloads.
func (p *SlicePool) IsReady(h BankHandle) bool {
	return p.slot(h) != nil
}

// NumSlices returns the bank's fixed slice count, 0 for stale handles.
func (p *SlicePool) NumSlices(h BankHandle) int {
	if slot := p.slot(h); slot != nil {
		return len(slot.slices)
	}
	return 0
}

// Slice resolves one slice buffer of the bank.
func (p *SlicePool) Slice(h BankHandle, index int) (*SliceBuffer, error) {
	slot := p.slot(h)
	if slot == nil {
		return nil, ErrBankNotFound
	}
	if index < 0 || index >= len(slot.slices) {
		return nil, fmt.Errorf("bank %q index %d: %w", slot.name, index, ErrSliceNotFound)
	}
	return slot.slices[index], nil
}

// Reversed resolves the reversed variant of a slice, synthesizing and
// caching it on first use. The reverse is a full copy rather than a stride
// trick, so voice playback stays branch-free. The cache is dropped when the
// bank unloads; it is never a source of truth.
func (p *SlicePool) Reversed(h BankHandle, index int) (*SliceBuffer, error) {
	slot := p.slot(h)
	if slot == nil {
		return nil, ErrBankNotFound
	}
	if buf, ok := slot.reversed[index]; ok {
		return buf, nil
	}
	fwd, err := p.Slice(h, index)
	if err != nil {
		return nil, err
	}
	rev := &SliceBuffer{Data: make(sampo.AudioBuffer, len(fwd.Data))}
	for i, frame := range fwd.Data {
		rev.Data[len(fwd.Data)-1-i] = frame
	}
	slot.reversed[index] = rev
	b := bufBytes(rev)
	slot.bytes += b
	p.used += b
	return rev, nil
}

// MemoryUsed returns the tracked memory across all loaded banks, in bytes.
func (p *SlicePool) MemoryUsed() int64 { return p.used }

// evictIfNeeded runs after every load. When tracked memory exceeds the
// threshold, the first unprotected bank in load order is unloaded. The bank
// that triggered the check is never its own victim. When every other loaded
// bank is protected, memory may transiently exceed the budget; that is
// accepted with a warning, not fatal.
func (p *SlicePool) evictIfNeeded(justLoaded BankHandle) {
	if float64(p.used) <= evictThreshold*float64(p.budget) {
		return
	}
	victim := BankHandle{}
	victimSeq := int(^uint(0) >> 1)
	found := false
	for i := range p.slots {
		slot := &p.slots[i]
		if !slot.loaded || slot.protected {
			continue
		}
		if i == justLoaded.index && slot.gen == justLoaded.gen {
			continue
		}
		if slot.loadSeq < victimSeq {
			victimSeq = slot.loadSeq
			victim = BankHandle{index: i, gen: slot.gen}
			found = true
		}
	}
	if !found {
		if p.broker != nil {
			TrySend(p.broker.ToModel, MsgToModel{Data: &Alert{
				Name:     "PoolPressure",
				Message:  fmt.Sprintf("slice memory %d MB over budget but every bank is protected", p.used>>20),
				Priority: Warning,
			}})
		}
		return
	}
	p.UnloadBank(victim)
}

func (p *SlicePool) slot(h BankHandle) *bankSlot {
	if h.index < 0 || h.index >= len(p.slots) {
		return nil
	}
	slot := &p.slots[h.index]
	if !slot.loaded || slot.gen != h.gen {
		return nil
	}
	return slot
}

func (p *SlicePool) allocSlot() BankHandle {
	for i := range p.slots {
		if !p.slots[i].loaded {
			return BankHandle{index: i, gen: p.slots[i].gen}
		}
	}
	p.slots = append(p.slots, bankSlot{gen: 1})
	return BankHandle{index: len(p.slots) - 1, gen: 1}
}

// cutSlice copies one time range out of the source into an independent
// stereo buffer, resampling is not performed; the range is clamped to the
// source length. Mono sources are duplicated to both channels and channels
// beyond the second are ignored.
func cutSlice(src *sampo.DecodedAudio, r sampo.SliceRange) (*SliceBuffer, error) {
	if r.End <= r.Start || r.Start < 0 {
		return nil, fmt.Errorf("invalid slice range [%v, %v)", r.Start, r.End)
	}
	start := int(r.Start * float64(src.SampleRate))
	end := int(r.End * float64(src.SampleRate))
	if n := src.NumFrames(); end > n {
		end = n
	}
	if start >= end {
		return nil, fmt.Errorf("slice range [%v, %v) is outside the source", r.Start, r.End)
	}
	left := src.Channels[0]
	right := left
	if len(src.Channels) > 1 {
		right = src.Channels[1]
	}
	data := make(sampo.AudioBuffer, end-start)
	for i := range data {
		data[i] = [2]float32{left[start+i], right[start+i]}
	}
	return &SliceBuffer{Data: data}, nil
}

func bufBytes(buf *SliceBuffer) int64 {
	return int64(len(buf.Data)) * 2 * 4 // frames x channels x sizeof(float32)
}
