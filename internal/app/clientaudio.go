package app

import (
	"errors"
	"fmt"

	"github.com/MrWong99/vicinity/internal/client"
	"github.com/MrWong99/vicinity/internal/config"
	"github.com/MrWong99/vicinity/internal/jitter"
	"github.com/MrWong99/vicinity/pkg/audio/codec"
	"github.com/MrWong99/vicinity/pkg/audio/dsp"
)

// ClientAudio is the client side of an [config.AudioConfig]: the capture
// processor, the jitter buffer tuning and a codec resolver backed by the
// registry.
type ClientAudio struct {
	DSP     dsp.Processor
	Jitter  []jitter.Option
	Resolve client.CodecResolver
}

// NewClientAudio builds the client audio settings from a. Zero jitter
// fields keep the pipeline defaults. A bitrate announced by the server takes
// precedence over a.Bitrate.
func NewClientAudio(reg *config.Registry, a config.AudioConfig) (*ClientAudio, error) {
	proc, err := reg.CreateDSP(a)
	if err != nil {
		return nil, fmt.Errorf("app: client audio: %w", err)
	}
	ca := &ClientAudio{DSP: proc}
	if a.JitterCapacity > 0 {
		ca.Jitter = append(ca.Jitter, jitter.WithCapacity(a.JitterCapacity))
	}
	if a.JitterPrefill > 0 {
		ca.Jitter = append(ca.Jitter, jitter.WithPrefill(a.JitterPrefill))
	}
	if a.SilenceThreshold > 0 {
		ca.Jitter = append(ca.Jitter, jitter.WithSilenceThreshold(a.SilenceThreshold))
	}
	ca.Resolve = func(name string, bitrate int) (codec.Codec, error) {
		ac := a
		if bitrate > 0 {
			ac.Bitrate = bitrate
		}
		c, err := reg.CreateCodec(name, ac)
		if errors.Is(err, config.ErrNotRegistered) {
			return nil, fmt.Errorf("%w: %w", client.ErrUnknownCodec, err)
		}
		return c, err
	}
	return ca, nil
}

// Options returns the settings as client options.
func (ca *ClientAudio) Options() []client.Option {
	return []client.Option{
		client.WithDSP(ca.DSP),
		client.WithJitterOptions(ca.Jitter...),
		client.WithCodecResolver(ca.Resolve),
	}
}
