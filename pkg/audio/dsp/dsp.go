// Package dsp provides pluggable capture-side processors applied to local
// microphone audio before it is encoded.
package dsp

import (
	"errors"

	"github.com/MrWong99/vicinity/pkg/audio"
)

// ErrNotInitialized is returned by Process before a successful Init.
var ErrNotInitialized = errors.New("dsp: processor not initialized")

// Processor transforms captured PCM in place. Init is called once with the
// formats of the recording and playback paths before the first Process call.
type Processor interface {
	Init(recorder, player audio.Format) error
	Process(buf []int16) error
	Close() error
}

// None is the pass-through [Processor].
type None struct{}

func (None) Init(audio.Format, audio.Format) error { return nil }
func (None) Process([]int16) error                 { return nil }
func (None) Close() error                          { return nil }

func clampSample(v float64) int16 {
	return int16(min(max(v, -32768), 32767))
}
