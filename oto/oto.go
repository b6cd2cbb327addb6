// Package oto is the realtime playback backend, bridging the engine's
// render callback to an ebitengine/oto/v3 device with a pull-model reader.
package oto

import (
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/sampoaudio/sampo"
)

// blockFrames is the fixed render block size; every render callback sees
// exactly this many frames.
const blockFrames = 512

type (
	// Context wraps the process-wide oto context. Create one per process.
	Context struct {
		ctx *oto.Context
	}

	// Stream is one running playback stream pulling audio from a render
	// callback.
	Stream struct {
		player *oto.Player
	}

	// stream is the io.Reader the oto player pulls from. Each refill
	// renders one block and serializes it to little-endian float32 bytes.
	stream struct {
		render func(sampo.AudioBuffer)
		block  sampo.AudioBuffer
		bytes  []byte
		pos    int
	}
)

func NewContext() (*Context, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampo.SampleRate,
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("oto context was not ready after 5 seconds")
	}
	return &Context{ctx: ctx}, nil
}

// Play starts pulling audio from render on the device goroutine. The
// callback is invoked once per block and must fill the whole buffer.
func (c *Context) Play(render func(sampo.AudioBuffer)) *Stream {
	s := &stream{
		render: render,
		block:  make(sampo.AudioBuffer, blockFrames),
	}
	player := c.ctx.NewPlayer(s)
	player.Play()
	return &Stream{player: player}
}

func (s *Stream) Close() error {
	if err := s.player.Close(); err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}

func (s *stream) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if s.pos >= len(s.bytes) {
			s.render(s.block)
			s.bytes = FloatBufferToBytesLE(s.block, s.bytes[:0])
			s.pos = 0
		}
		n := copy(p[total:], s.bytes[s.pos:])
		s.pos += n
		total += n
	}
	return total, nil
}
