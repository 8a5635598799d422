package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/vicinity/pkg/audio"
)

// opusMaxPacket is the largest packet an Opus encoder can emit for one frame.
const opusMaxPacket = 1275

// Opus is the gopus-backed [Codec] used on the network path.
type Opus struct {
	// Bitrate in bits per second; zero keeps the libopus default.
	Bitrate int
}

// Name returns "opus".
func (Opus) Name() string { return "opus" }

// NewEncoder creates an Opus encoder configured for engine-format audio.
func (o Opus) NewEncoder() (Encoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	if o.Bitrate > 0 {
		enc.SetBitrate(o.Bitrate)
	}
	return &opusEncoder{enc: enc}, nil
}

// NewDecoder creates an Opus decoder for a single remote speaker.
func (Opus) NewDecoder() (Decoder, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

type opusEncoder struct {
	enc *gopus.Encoder
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != audio.FrameSamples*audio.Channels {
		return nil, fmt.Errorf("codec: opus encode %d samples: %w", len(pcm), ErrFrameSize)
	}
	out, err := e.enc.Encode(pcm, audio.FrameSamples, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return out, nil
}

type opusDecoder struct {
	dec *gopus.Decoder
	concealer
}

// Decode decodes one Opus packet. gopus cannot be driven with an empty
// packet, so a nil frame is concealed by fading out the previous frame.
func (d *opusDecoder) Decode(frame []byte) ([]int16, error) {
	if len(frame) == 0 {
		return d.conceal(), nil
	}
	pcm, err := d.dec.Decode(frame, audio.FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w: %w", ErrCorruptFrame, err)
	}
	d.remember(pcm)
	return pcm, nil
}
