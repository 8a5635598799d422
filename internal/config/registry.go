package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/vicinity/pkg/audio/codec"
	"github.com/MrWong99/vicinity/pkg/audio/dsp"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// CodecFactory builds a codec from the audio settings.
type CodecFactory func(AudioConfig) (codec.Codec, error)

// DSPFactory builds a capture processor from the audio settings.
type DSPFactory func(AudioConfig) (dsp.Processor, error)

// Registry maps codec and DSP names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]CodecFactory
	dsp    map[string]DSPFactory
}

// NewRegistry returns a registry with the built-in codecs (opus, pcm) and
// processors (none, agc, gate).
func NewRegistry() *Registry {
	r := &Registry{
		codecs: make(map[string]CodecFactory),
		dsp:    make(map[string]DSPFactory),
	}
	r.RegisterCodec("opus", func(a AudioConfig) (codec.Codec, error) {
		return codec.Opus{Bitrate: a.Bitrate}, nil
	})
	r.RegisterCodec("pcm", func(AudioConfig) (codec.Codec, error) {
		return codec.PCM{}, nil
	})
	r.RegisterDSP("none", func(AudioConfig) (dsp.Processor, error) {
		return dsp.None{}, nil
	})
	r.RegisterDSP("agc", func(AudioConfig) (dsp.Processor, error) {
		return dsp.NewAGC(), nil
	})
	r.RegisterDSP("gate", func(AudioConfig) (dsp.Processor, error) {
		return dsp.NewGate(), nil
	})
	return r
}

// RegisterCodec registers a codec factory under name, replacing any
// previous registration.
func (r *Registry) RegisterCodec(name string, f CodecFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[name] = f
}

// RegisterDSP registers a capture processor factory under name.
func (r *Registry) RegisterDSP(name string, f DSPFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dsp[name] = f
}

// CreateCodec instantiates the codec registered under name.
func (r *Registry) CreateCodec(name string, a AudioConfig) (codec.Codec, error) {
	r.mu.RLock()
	f, ok := r.codecs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: codec/%q", ErrNotRegistered, name)
	}
	return f(a)
}

// CreateDSP instantiates the processor named by a.DSP.
func (r *Registry) CreateDSP(a AudioConfig) (dsp.Processor, error) {
	r.mu.RLock()
	f, ok := r.dsp[a.DSP]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: dsp/%q", ErrNotRegistered, a.DSP)
	}
	return f(a)
}

// Codecs returns the registered codec names in sorted order.
func (r *Registry) Codecs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.codecs))
}
