package dsp

import (
	"fmt"

	"github.com/MrWong99/vicinity/pkg/audio"
)

// AGC is a simple automatic gain control. It tracks the block RMS and moves
// the applied gain towards Target/RMS, limited to MaxGain, at a rate set by
// Attack (fraction of the remaining distance covered per block).
type AGC struct {
	Target  float64
	MaxGain float64
	Attack  float64
	// Floor is the RMS below which the gain is left untouched, so that
	// background noise is not pumped up during pauses.
	Floor float64

	gain  float64
	ready bool
}

// NewAGC returns an AGC with speech-oriented defaults.
func NewAGC() *AGC {
	return &AGC{Target: 0.1, MaxGain: 8, Attack: 0.2, Floor: 0.005}
}

func (a *AGC) Init(recorder, _ audio.Format) error {
	if recorder.SampleRate <= 0 || recorder.Channels <= 0 {
		return fmt.Errorf("dsp: agc: invalid recorder format %s", recorder)
	}
	a.Target = min(max(a.Target, 0.001), 1)
	a.MaxGain = max(a.MaxGain, 1)
	a.Attack = min(max(a.Attack, 0.001), 1)
	a.gain = 1
	a.ready = true
	return nil
}

func (a *AGC) Process(buf []int16) error {
	if !a.ready {
		return ErrNotInitialized
	}
	if rms := audio.RMS(buf); rms > a.Floor {
		want := min(a.Target/rms, a.MaxGain)
		a.gain += (want - a.gain) * a.Attack
	}
	for i, s := range buf {
		buf[i] = clampSample(float64(s) * a.gain)
	}
	return nil
}

// Gain returns the gain currently applied.
func (a *AGC) Gain() float64 { return a.gain }

func (a *AGC) Close() error {
	a.ready = false
	return nil
}
