package effect

import (
	"math"

	"github.com/MrWong99/vicinity/pkg/audio"
)

// echo is a feedback delay line.
type echo struct {
	p      Params
	delay  int
	states *states[echoState]
}

type echoState struct {
	line []float32
	pos  int
}

func newEcho(p Params) *echo {
	d := max(int(p.DelayMs*audio.SampleRate/1000), 1)
	return &echo{
		p:     p,
		delay: d,
		states: newStates(func() *echoState {
			return &echoState{line: make([]float32, d)}
		}),
	}
}

func (e *echo) Params() Params { return e.p }

func (e *echo) Process(p Pair, buf []float32) {
	wet := e.p.Wet
	if e.p.Scaled {
		wet *= max(p.SourceAt.MuffleFactor, p.ListenAt.MuffleFactor)
	}
	st := e.states.get(p)
	if st == nil {
		return
	}
	fb := float32(e.p.Feedback)
	w := float32(wet)
	for i, x := range buf {
		d := st.line[st.pos]
		st.line[st.pos] = x + d*fb
		st.pos = (st.pos + 1) % len(st.line)
		buf[i] = x + d*w
	}
}

func (e *echo) Forget(id int) { e.states.forget(id) }
func (e *echo) Close() error  { e.states.close(); return nil }

// Comb and allpass tunings in samples at 44.1 kHz, scaled to the engine
// rate on construction.
var (
	combTunings    = []int{1116, 1188, 1277, 1356}
	allpassTunings = []int{556, 441}
)

const (
	reverbFixedGain = 0.015
	allpassFeedback = 0.5
)

// reverb is a small Schroeder/Moorer reverberator: parallel damped combs
// followed by series allpasses. Its wet level follows the cave factor when
// Scaled is set.
type reverb struct {
	p        Params
	feedback float32
	damp     float32
	states   *states[reverbState]
}

type delayLine struct {
	buf   []float32
	pos   int
	store float32
}

type reverbState struct {
	combs     []delayLine
	allpasses []delayLine
}

func scaleTuning(n int) int {
	return max(n*audio.SampleRate/44100, 1)
}

func newReverb(p Params) *reverb {
	return &reverb{
		p:        p,
		feedback: float32(p.RoomSize*0.28 + 0.7),
		damp:     float32(p.Damp * 0.4),
		states: newStates(func() *reverbState {
			st := &reverbState{}
			for _, n := range combTunings {
				st.combs = append(st.combs, delayLine{buf: make([]float32, scaleTuning(n))})
			}
			for _, n := range allpassTunings {
				st.allpasses = append(st.allpasses, delayLine{buf: make([]float32, scaleTuning(n))})
			}
			return st
		}),
	}
}

func (r *reverb) Params() Params { return r.p }

func (r *reverb) Process(p Pair, buf []float32) {
	wet := r.p.Wet
	if r.p.Scaled {
		wet *= max(p.SourceAt.CaveFactor, p.ListenAt.CaveFactor)
	}
	if wet == 0 {
		return
	}
	st := r.states.get(p)
	if st == nil {
		return
	}
	w := float32(wet)
	for i, x := range buf {
		in := x * reverbFixedGain
		var out float32
		for c := range st.combs {
			cb := &st.combs[c]
			y := cb.buf[cb.pos]
			cb.store = y*(1-r.damp) + cb.store*r.damp
			cb.buf[cb.pos] = in + cb.store*r.feedback
			cb.pos = (cb.pos + 1) % len(cb.buf)
			out += y
		}
		for a := range st.allpasses {
			ap := &st.allpasses[a]
			b := ap.buf[ap.pos]
			ap.buf[ap.pos] = out + b*allpassFeedback
			ap.pos = (ap.pos + 1) % len(ap.buf)
			out = b - out
		}
		buf[i] = x + out*w
	}
}

func (r *reverb) Forget(id int) { r.states.forget(id) }
func (r *reverb) Close() error  { r.states.close(); return nil }

// muffle is a one-pole low-pass blended with the dry signal.
type muffle struct {
	p      Params
	alpha  float32
	states *states[float32]
}

func newMuffle(p Params) *muffle {
	return &muffle{
		p:      p,
		alpha:  float32(1 - math.Exp(-2*math.Pi*p.CutoffHz/audio.SampleRate)),
		states: newStates(func() *float32 { return new(float32) }),
	}
}

func (m *muffle) Params() Params { return m.p }

func (m *muffle) Process(p Pair, buf []float32) {
	amount := m.p.Wet
	if m.p.Scaled {
		amount *= max(p.SourceAt.MuffleFactor, p.ListenAt.MuffleFactor)
	}
	if amount == 0 {
		return
	}
	y := m.states.get(p)
	if y == nil {
		return
	}
	a := float32(amount)
	for i, x := range buf {
		*y += m.alpha * (x - *y)
		buf[i] = x*(1-a) + *y*a
	}
}

func (m *muffle) Forget(id int) { m.states.forget(id) }
func (m *muffle) Close() error  { m.states.close(); return nil }
