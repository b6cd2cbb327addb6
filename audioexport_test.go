package sampo_test

import (
	"encoding/binary"
	"testing"

	"github.com/sampoaudio/sampo"
)

func TestWavFloat32Header(t *testing.T) {
	buffer := sampo.AudioBuffer{{0.5, -0.5}, {0.25, -0.25}}
	data, err := sampo.Wav(buffer, false)
	if err != nil {
		t.Fatalf("Wav: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if format := binary.LittleEndian.Uint16(data[20:22]); format != 3 {
		t.Errorf("wave format = %d, want 3 (IEEE float)", format)
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 44100 {
		t.Errorf("sample rate = %d, want 44100", rate)
	}
	// RIFF(12) + fmt(8+18) + fact(8+4) + data header(8) + 4 samples x 4 bytes
	if len(data) != 74 {
		t.Errorf("file is %d bytes, want 74", len(data))
	}
}

func TestWavPCM16ClampsAndSizes(t *testing.T) {
	buffer := sampo.AudioBuffer{{2, -2}} // out of range, must clamp
	data, err := sampo.Wav(buffer, true)
	if err != nil {
		t.Fatalf("Wav: %v", err)
	}
	if format := binary.LittleEndian.Uint16(data[20:22]); format != 1 {
		t.Errorf("wave format = %d, want 1 (PCM)", format)
	}
	samples := data[len(data)-4:]
	left := int16(binary.LittleEndian.Uint16(samples[0:2]))
	right := int16(binary.LittleEndian.Uint16(samples[2:4]))
	if left != 32767 || right != -32768 {
		t.Errorf("clamped samples = %d, %d; want 32767, -32768", left, right)
	}
}

func TestRawHasNoHeader(t *testing.T) {
	buffer := sampo.AudioBuffer{{0, 0}}
	data, err := sampo.Raw(buffer, false)
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if len(data) != 8 {
		t.Errorf("raw output is %d bytes, want 8", len(data))
	}
}
