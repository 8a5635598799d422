package dsp

import (
	"github.com/MrWong99/vicinity/pkg/audio"
)

// Gate is a noise gate. Blocks whose RMS stays below Threshold are zeroed
// once Hold consecutive quiet blocks have passed, so short pauses inside a
// sentence are not chopped.
type Gate struct {
	Threshold float64
	Hold      int

	quiet int
	ready bool
}

// NewGate returns a gate with defaults suited to speech at 20 ms blocks.
func NewGate() *Gate {
	return &Gate{Threshold: 0.01, Hold: 10}
}

func (g *Gate) Init(audio.Format, audio.Format) error {
	g.Hold = max(g.Hold, 0)
	g.quiet = g.Hold
	g.ready = true
	return nil
}

func (g *Gate) Process(buf []int16) error {
	if !g.ready {
		return ErrNotInitialized
	}
	if audio.RMS(buf) >= g.Threshold {
		g.quiet = 0
		return nil
	}
	if g.quiet < g.Hold {
		g.quiet++
		return nil
	}
	clear(buf)
	return nil
}

// Open reports whether the next quiet block would still pass.
func (g *Gate) Open() bool { return g.quiet < g.Hold }

func (g *Gate) Close() error {
	g.ready = false
	return nil
}
