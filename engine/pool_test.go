package engine

import (
	"fmt"
	"testing"

	"github.com/sampoaudio/sampo"
)

// rampAudio builds a mono source whose sample values equal their frame index
// divided by 1000, so slices are easy to identify in assertions.
func rampAudio(frames int) *sampo.DecodedAudio {
	data := make([]float32, frames)
	for i := range data {
		data[i] = float32(i) / 1000
	}
	return &sampo.DecodedAudio{Channels: [][]float32{data}, SampleRate: sampo.SampleRate}
}

// halves cuts a 1 s source into two half-second slices.
func halves() []sampo.SliceRange {
	return []sampo.SliceRange{{Start: 0, End: 0.5}, {Start: 0.5, End: 1}}
}

func TestLoadUnloadRestoresMemory(t *testing.T) {
	pool := NewSlicePool(nil, 0)
	before := pool.MemoryUsed()
	h, err := pool.LoadBank("drums", rampAudio(sampo.SampleRate), halves())
	if err != nil {
		t.Fatalf("LoadBank: %v", err)
	}
	if !pool.IsReady(h) {
		t.Fatal("bank should be ready after LoadBank")
	}
	if pool.NumSlices(h) != 2 {
		t.Fatalf("NumSlices = %d, want 2", pool.NumSlices(h))
	}
	if pool.MemoryUsed() <= before {
		t.Fatal("memory accounting did not grow on load")
	}
	// 1 s of stereo float32 audio
	if want := int64(sampo.SampleRate) * 2 * 4; pool.MemoryUsed() != want {
		t.Fatalf("MemoryUsed = %d, want %d", pool.MemoryUsed(), want)
	}
	pool.UnloadBank(h)
	if pool.IsReady(h) {
		t.Fatal("bank should not be ready after UnloadBank")
	}
	if pool.MemoryUsed() != before {
		t.Fatalf("memory not restored after unload: %d", pool.MemoryUsed())
	}
	if _, err := pool.Slice(h, 0); err == nil {
		t.Fatal("stale handle should not resolve slices")
	}
}

func TestLoadBankIdempotent(t *testing.T) {
	pool := NewSlicePool(nil, 0)
	h1, err := pool.LoadBank("drums", rampAudio(sampo.SampleRate), halves())
	if err != nil {
		t.Fatalf("LoadBank: %v", err)
	}
	used := pool.MemoryUsed()
	h2, err := pool.LoadBank("drums", nil, nil) // source not consulted on reload
	if err != nil {
		t.Fatalf("second LoadBank: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("idempotent load returned a different handle: %v vs %v", h1, h2)
	}
	if pool.MemoryUsed() != used {
		t.Fatal("idempotent load changed memory accounting")
	}
}

func TestLoadFailureRegistersNothing(t *testing.T) {
	pool := NewSlicePool(nil, 0)
	_, err := pool.LoadBank("bad", rampAudio(100), []sampo.SliceRange{{Start: 0.5, End: 0.25}})
	if err == nil {
		t.Fatal("expected a load failure")
	}
	if _, ok := pool.Handle("bad"); ok {
		t.Fatal("failed bank must not be registered")
	}
	if pool.MemoryUsed() != 0 {
		t.Fatalf("failed load leaked memory: %d", pool.MemoryUsed())
	}
}

func TestEvictionSkipsProtected(t *testing.T) {
	// budget fits ~2.5 banks of 1 s stereo audio; the third load must evict
	bankBytes := int64(sampo.SampleRate) * 2 * 4
	pool := NewSlicePool(NewBroker(), bankBytes*5/2)
	var handles []BankHandle
	for i := 0; i < 3; i++ {
		h, err := pool.LoadBank(fmt.Sprintf("bank%d", i), rampAudio(sampo.SampleRate), halves())
		if err != nil {
			t.Fatalf("LoadBank %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	if pool.IsReady(handles[0]) {
		t.Fatal("oldest unprotected bank should have been evicted")
	}
	if !pool.IsReady(handles[1]) || !pool.IsReady(handles[2]) {
		t.Fatal("newer banks should survive eviction")
	}
}

func TestEvictionNeverTouchesProtected(t *testing.T) {
	bankBytes := int64(sampo.SampleRate) * 2 * 4
	broker := NewBroker()
	pool := NewSlicePool(broker, bankBytes+bankBytes/2)
	h0, _ := pool.LoadBank("bank0", rampAudio(sampo.SampleRate), halves())
	pool.Protect(h0)
	h1, err := pool.LoadBank("bank1", rampAudio(sampo.SampleRate), halves())
	if err != nil {
		t.Fatalf("LoadBank: %v", err)
	}
	pool.Protect(h1)
	h2, _ := pool.LoadBank("bank2", rampAudio(sampo.SampleRate), halves())
	for _, h := range []BankHandle{h0, h1, h2} {
		if !pool.IsReady(h) {
			t.Fatal("protected banks must survive memory pressure")
		}
	}
	// over budget with everything protected raises a warning alert
	foundWarning := false
drain:
	for {
		select {
		case msg := <-broker.ToModel:
			if a, ok := msg.Data.(*Alert); ok && a.Priority == Warning {
				foundWarning = true
			}
		default:
			break drain
		}
	}
	if !foundWarning {
		t.Fatal("expected a pool pressure warning when eviction is impossible")
	}
}

func TestReversedIsCachedAndInvalidated(t *testing.T) {
	pool := NewSlicePool(nil, 0)
	h, err := pool.LoadBank("drums", rampAudio(sampo.SampleRate), halves())
	if err != nil {
		t.Fatalf("LoadBank: %v", err)
	}
	fwd, _ := pool.Slice(h, 0)
	rev, err := pool.Reversed(h, 0)
	if err != nil {
		t.Fatalf("Reversed: %v", err)
	}
	if len(rev.Data) != len(fwd.Data) {
		t.Fatalf("reversed length %d, want %d", len(rev.Data), len(fwd.Data))
	}
	for i := range fwd.Data {
		if rev.Data[i] != fwd.Data[len(fwd.Data)-1-i] {
			t.Fatalf("reversed sample %d mismatch", i)
		}
	}
	again, _ := pool.Reversed(h, 0)
	if again != rev {
		t.Fatal("reversed buffer should be cached, not rebuilt")
	}
	pool.UnloadBank(h)
	if _, err := pool.Reversed(h, 0); err == nil {
		t.Fatal("reversed cache must be invalidated on unload")
	}
}

func TestSliceNotFound(t *testing.T) {
	pool := NewSlicePool(nil, 0)
	h, _ := pool.LoadBank("drums", rampAudio(sampo.SampleRate), halves())
	if _, err := pool.Slice(h, 7); err == nil {
		t.Fatal("out-of-range slice index should error")
	}
}
