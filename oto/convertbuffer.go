package oto

import (
	"encoding/binary"
	"math"

	"github.com/sampoaudio/sampo"
)

// FloatBufferToBytesLE serializes an interleaved stereo buffer to the raw
// little-endian float32 byte stream the device consumes. The converted bytes
// are appended to dst, so callers can reuse one backing array by passing
// dst[:0].
func FloatBufferToBytesLE(buffer sampo.AudioBuffer, dst []byte) []byte {
	for _, frame := range buffer {
		for ch := 0; ch < 2; ch++ {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(frame[ch]))
		}
	}
	return dst
}
