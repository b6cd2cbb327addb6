package midiin

import "testing"

func TestPadMapResolve(t *testing.T) {
	pads := PadMap{Base: 36, Banks: []PadBank{
		{Source: "drums", Slices: 8},
		{Source: "bass", Slices: 4},
	}}
	for _, tc := range []struct {
		note   uint8
		source string
		slice  int
		ok     bool
	}{
		{36, "drums", 0, true},
		{43, "drums", 7, true},
		{44, "bass", 0, true},
		{47, "bass", 3, true},
		{48, "", 0, false}, // past the last bank
		{35, "", 0, false}, // below base
	} {
		source, slice, ok := pads.Resolve(tc.note)
		if source != tc.source || slice != tc.slice || ok != tc.ok {
			t.Errorf("Resolve(%d) = %q, %d, %v; want %q, %d, %v",
				tc.note, source, slice, ok, tc.source, tc.slice, tc.ok)
		}
	}
}

func TestPadMapEmpty(t *testing.T) {
	if _, _, ok := (PadMap{}).Resolve(60); ok {
		t.Error("empty pad map resolved a note")
	}
}
