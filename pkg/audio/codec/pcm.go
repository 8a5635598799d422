package codec

import (
	"fmt"

	"github.com/MrWong99/vicinity/pkg/audio"
)

// PCM is an uncompressed little-endian int16 [Codec]. It has no cgo
// dependency and is used for loopback and tests.
type PCM struct{}

// Name returns "pcm".
func (PCM) Name() string { return "pcm" }

// NewEncoder returns a stateless PCM encoder.
func (PCM) NewEncoder() (Encoder, error) { return pcmEncoder{}, nil }

// NewDecoder returns a PCM decoder with loss concealment.
func (PCM) NewDecoder() (Decoder, error) { return &pcmDecoder{}, nil }

type pcmEncoder struct{}

func (pcmEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != audio.FrameSamples*audio.Channels {
		return nil, fmt.Errorf("codec: pcm encode %d samples: %w", len(pcm), ErrFrameSize)
	}
	return audio.Int16sToBytes(pcm), nil
}

type pcmDecoder struct {
	concealer
}

func (d *pcmDecoder) Decode(frame []byte) ([]int16, error) {
	if len(frame) == 0 {
		return d.conceal(), nil
	}
	if len(frame) != audio.FrameSamples*audio.Channels*2 {
		return nil, fmt.Errorf("codec: pcm decode %d bytes: %w", len(frame), ErrCorruptFrame)
	}
	pcm := audio.BytesToInt16s(frame)
	d.remember(pcm)
	return pcm, nil
}
