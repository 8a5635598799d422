// Package codec defines the voice codec boundary and ships two codecs: Opus
// (via gopus) for the network path and raw little-endian PCM for loopback and
// tests.
//
// Every remote speaker gets its own [Decoder] and every local capture stream
// its own [Encoder], because both carry state across consecutive frames.
package codec

import (
	"errors"

	"github.com/MrWong99/vicinity/pkg/audio"
)

// ErrFrameSize is returned when a PCM block is not exactly one frame long.
var ErrFrameSize = errors.New("codec: pcm block is not one frame")

// ErrCorruptFrame is returned when an encoded frame cannot be decoded.
var ErrCorruptFrame = errors.New("codec: corrupt frame")

// Encoder turns one frame of engine-format PCM ([audio.FrameSamples] samples)
// into an encoded packet.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Decoder turns an encoded packet back into one frame of PCM. Passing a nil
// frame requests loss concealment: the decoder synthesizes a plausible
// continuation of the previous frame.
type Decoder interface {
	Decode(frame []byte) ([]int16, error)
}

// Codec creates per-stream encoders and decoders.
type Codec interface {
	Name() string
	NewEncoder() (Encoder, error)
	NewDecoder() (Decoder, error)
}

// concealer fades out the last decoded frame over consecutive losses.
type concealer struct {
	last []int16
}

const concealDecay = 0.5

func (c *concealer) remember(pcm []int16) {
	if cap(c.last) < len(pcm) {
		c.last = make([]int16, len(pcm))
	}
	c.last = c.last[:len(pcm)]
	copy(c.last, pcm)
}

func (c *concealer) conceal() []int16 {
	if c.last == nil {
		return make([]int16, audio.FrameSamples)
	}
	out := make([]int16, len(c.last))
	for i, s := range c.last {
		out[i] = int16(float64(s) * concealDecay)
	}
	copy(c.last, out)
	return out
}
