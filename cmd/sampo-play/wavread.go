package main

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sampoaudio/sampo"
)

// readWav decodes a RIFF/WAVE file into per-channel float32 data. Supports
// the two layouts slicing material actually comes in: 16-bit PCM and 32-bit
// float, any channel count and sample rate. Decoding is the host's job;
// the engine only ever sees DecodedAudio.
func readWav(data []byte) (*sampo.DecodedAudio, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}
	var (
		format        uint16
		channels      int
		sampleRate    int
		bitsPerSample int
		raw           []byte
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := data[pos+8:]
		if size > len(body) {
			size = len(body)
		}
		body = body[:size]
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short (%d bytes)", size)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
		case "data":
			raw = body
		}
		pos += 8 + size
		if size&1 == 1 {
			pos++ // chunks are word aligned
		}
	}
	if channels == 0 || sampleRate == 0 {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	if raw == nil {
		return nil, fmt.Errorf("missing data chunk")
	}
	bytesPerSample := bitsPerSample / 8
	if bytesPerSample == 0 {
		return nil, fmt.Errorf("invalid bits per sample %d", bitsPerSample)
	}
	frames := len(raw) / (bytesPerSample * channels)
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	switch {
	case format == 1 && bitsPerSample == 16:
		for i := 0; i < frames; i++ {
			for ch := 0; ch < channels; ch++ {
				v := int16(binary.LittleEndian.Uint16(raw[(i*channels+ch)*2:]))
				out[ch][i] = float32(v) / 32768
			}
		}
	case format == 3 && bitsPerSample == 32:
		for i := 0; i < frames; i++ {
			for ch := 0; ch < channels; ch++ {
				bits := binary.LittleEndian.Uint32(raw[(i*channels+ch)*4:])
				out[ch][i] = math.Float32frombits(bits)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported WAV layout: format %d, %d bits", format, bitsPerSample)
	}
	return &sampo.DecodedAudio{Channels: out, SampleRate: sampleRate}, nil
}
