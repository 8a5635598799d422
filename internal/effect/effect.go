// Package effect implements the audio effects applied between a speaker and
// a listener: echo, cave reverb and muffle. Effects are keyed by an
// activation bitmask and apply to a pair only when the speaker's talk bits,
// the listener's listen bits and the effect's bitmask share a bit.
package effect

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/vicinity/internal/world"
	"github.com/MrWong99/vicinity/pkg/audio"
)

// ErrUnknownKind is returned by [New] for an unrecognised effect kind.
var ErrUnknownKind = errors.New("effect: unknown kind")

// Kind selects an effect variant.
type Kind string

const (
	KindEcho   Kind = "echo"
	KindReverb Kind = "reverb"
	KindMuffle Kind = "muffle"
)

// IsValid reports whether k is a recognised effect kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindEcho, KindReverb, KindMuffle:
		return true
	}
	return false
}

// Params fully describes an effect. The same struct is read from the config
// file and carried in effect packets.
type Params struct {
	Kind    Kind          `yaml:"kind" msgpack:"kind"`
	Bitmask world.Bitmask `yaml:"bitmask" msgpack:"bitmask"`

	// Echo.
	DelayMs  float64 `yaml:"delay_ms" msgpack:"delay_ms,omitempty"`
	Feedback float64 `yaml:"feedback" msgpack:"feedback,omitempty"`

	// Reverb.
	RoomSize float64 `yaml:"room_size" msgpack:"room_size,omitempty"`
	Damp     float64 `yaml:"damp" msgpack:"damp,omitempty"`

	// Muffle.
	CutoffHz float64 `yaml:"cutoff_hz" msgpack:"cutoff_hz,omitempty"`

	// Wet is the level of the processed signal mixed into the dry one.
	Wet float64 `yaml:"wet" msgpack:"wet,omitempty"`

	// Scaled makes the effect strength follow the pair's cave factor
	// (reverb) or muffle factor (muffle, echo).
	Scaled bool `yaml:"scaled" msgpack:"scaled,omitempty"`
}

// Normalize clamps every parameter into its usable range.
func (p Params) Normalize() Params {
	p.DelayMs = clamp(p.DelayMs, 1, 1000)
	p.Feedback = clamp(p.Feedback, 0, 0.95)
	p.RoomSize = clamp(p.RoomSize, 0, 0.98)
	p.Damp = clamp(p.Damp, 0, 0.99)
	p.CutoffHz = clamp(p.CutoffHz, 50, audio.SampleRate/2)
	p.Wet = clamp(p.Wet, 0, 1)
	return p
}

// Validate reports whether p can be turned into an effect.
func (p Params) Validate() error {
	var errs []error
	if !p.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind))
	}
	if p.Bitmask == 0 {
		errs = append(errs, errors.New("effect: bitmask must not be zero"))
	}
	return errors.Join(errs...)
}

// Pair identifies a speaker/listener pair and carries their attributes for
// the current frame.
type Pair struct {
	Source   int
	Listener int
	SourceAt world.Attributes
	ListenAt world.Attributes
}

// Active reports whether an effect with the given bitmask applies to p.
func (p Pair) Active(mask world.Bitmask) bool {
	return p.SourceAt.Talk&p.ListenAt.Listen&mask != 0
}

// Effect transforms normalized float32 samples of one pair in place.
type Effect interface {
	Params() Params
	Process(p Pair, buf []float32)
	// Forget releases per-pair state involving entity id.
	Forget(id int)
	Close() error
}

// New builds the effect described by p after normalizing it.
func New(p Params) (Effect, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.Normalize()
	switch p.Kind {
	case KindEcho:
		return newEcho(p), nil
	case KindReverb:
		return newReverb(p), nil
	case KindMuffle:
		return newMuffle(p), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

type pairKey struct{ source, listener int }

// states holds lazily allocated per-pair state.
type states[T any] struct {
	mu     sync.Mutex
	m      map[pairKey]*T
	create func() *T
	closed bool
}

func newStates[T any](create func() *T) *states[T] {
	return &states[T]{m: make(map[pairKey]*T), create: create}
}

func (s *states[T]) get(p Pair) *T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	k := pairKey{p.Source, p.Listener}
	st, ok := s.m[k]
	if !ok {
		st = s.create()
		s.m[k] = st
	}
	return st
}

func (s *states[T]) forget(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.m {
		if k.source == id || k.listener == id {
			delete(s.m, k)
		}
	}
}

func (s *states[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *states[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.m = nil
}
