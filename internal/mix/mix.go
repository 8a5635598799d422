// Package mix combines the decoded streams of every audible speaker into one
// output buffer for a listener. Each speaker is run through the effect chain,
// attenuated by distance and the optional modifier hook, scaled by the user
// volume and added with saturation.
package mix

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vicinity/internal/effect"
	"github.com/MrWong99/vicinity/internal/observe"
	"github.com/MrWong99/vicinity/internal/visibility"
	"github.com/MrWong99/vicinity/internal/world"
)

// Source yields decoded PCM of one speaker. It must not block.
type Source interface {
	Read(dst []int16) int
}

// SourceProvider resolves the decoded stream of a visible speaker.
type SourceProvider interface {
	Source(id int) (Source, bool)
}

// Modifier scales the distance attenuation of a pair. The returned
// multiplier is applied to the base factor before clamping.
type Modifier func(source, listener world.Attributes) float64

// Identity leaves the attenuation unchanged.
func Identity(world.Attributes, world.Attributes) float64 { return 1 }

// MuffleModifier lowers the volume of a pair by strength times the larger
// muffle factor of the two entities.
func MuffleModifier(strength float64) Modifier {
	strength = min(max(strength, 0), 1)
	return func(source, listener world.Attributes) float64 {
		return 1 - strength*max(source.MuffleFactor, listener.MuffleFactor)
	}
}

// Attenuation is the distance factor in [0, 1]. Inside effMin the factor is
// 1, at effMax and beyond it is 0, linear in between. A zero-width range
// never attenuates.
func Attenuation(distance, effMin, effMax float64) float64 {
	span := effMax - effMin
	if span <= 0 {
		return 1
	}
	return clamp(1-clamp((distance-effMin)/span, 0, 1), 0, 1)
}

// MixSaturating adds src into dst sample by sample, clamping at the int16
// limits.
func MixSaturating(dst, src []int16) {
	for i := range min(len(dst), len(src)) {
		v := int32(dst[i]) + int32(src[i])
		dst[i] = int16(max(min(v, math.MaxInt16), math.MinInt16))
	}
}

// Option configures an [Engine].
type Option func(*Engine)

// WithEffects sets the effect chain applied to every pair.
func WithEffects(c *effect.Chain) Option {
	return func(e *Engine) { e.effects = c }
}

// WithRanges sets the function returning the current world default ranges.
func WithRanges(fn func() visibility.Ranges) Option {
	return func(e *Engine) { e.ranges = fn }
}

// WithModifier installs a modifier hook (default [Identity]).
func WithModifier(m Modifier) Option {
	return func(e *Engine) { e.modifier = m }
}

// WithVolume sets the initial user volume (default 1).
func WithVolume(v float64) Option {
	return func(e *Engine) { e.SetVolume(v) }
}

// WithMetrics sets the metrics sink (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine mixes the audio heard by one listener. It implements
// [audio.Source] so it can drive an output device directly.
type Engine struct {
	world    *world.World
	listener *world.Entity
	sources  SourceProvider
	effects  *effect.Chain
	ranges   func() visibility.Ranges
	modifier Modifier
	metrics  *observe.Metrics
	volume   atomic.Uint64

	mu   sync.Mutex
	pcm  []int16
	work []float32
	out  []int16
}

// New creates a mix engine for listener. Speakers are taken from the
// listener's visible set on every Read and resolved through sources.
func New(w *world.World, listener *world.Entity, sources SourceProvider, opts ...Option) *Engine {
	e := &Engine{
		world:    w,
		listener: listener,
		sources:  sources,
		modifier: Identity,
	}
	e.SetVolume(1)
	for _, o := range opts {
		o(e)
	}
	if e.effects == nil {
		e.effects = &effect.Chain{}
	}
	if e.ranges == nil {
		e.ranges = func() visibility.Ranges { return visibility.Ranges{Max: visibility.DefaultMaxRange} }
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// SetVolume sets the listener's user volume. Negative values are treated as 0.
func (e *Engine) SetVolume(v float64) {
	e.volume.Store(math.Float64bits(max(v, 0)))
}

// Volume returns the listener's user volume.
func (e *Engine) Volume() float64 {
	return math.Float64frombits(e.volume.Load())
}

// Read fills buf with one mixed frame. The buffer is always fully written
// and Read always returns len(buf) with a nil error.
func (e *Engine) Read(buf []int16) (int, error) {
	start := time.Now()
	defer func() {
		e.metrics.MixDuration.Record(context.Background(), time.Since(start).Seconds())
	}()

	clear(buf)
	if e.listener.Destroyed() {
		return len(buf), nil
	}
	lst := e.listener.Attributes()
	if lst.Deafened || e.serverDeafened(e.listener.ID()) {
		return len(buf), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.grow(len(buf))
	def := e.ranges()
	vol := e.Volume()

	for _, id := range e.listener.VisibleIDs() {
		src, ok := e.world.Entity(id)
		if !ok || src.Destroyed() {
			continue
		}
		at := src.Attributes()
		if at.Muted || e.serverMuted(id) {
			continue
		}
		s, ok := e.sources.Source(id)
		if !ok {
			continue
		}
		pcm := e.pcm[:len(buf)]
		n := s.Read(pcm)
		if n <= 0 {
			continue
		}
		clear(pcm[n:])

		work := e.work[:len(buf)]
		for i, v := range pcm {
			work[i] = float32(v) / 32768
		}
		e.effects.Apply(effect.Pair{
			Source:   id,
			Listener: e.listener.ID(),
			SourceAt: at,
			ListenAt: lst,
		}, work)

		dist := at.Position.Sub(lst.Position).Len()
		factor := Attenuation(dist,
			visibility.EffectiveMinRange(lst, at, def),
			visibility.EffectiveMaxRange(lst, at, def))
		factor = clamp(factor*e.modifier(at, lst), 0, 1)

		out := e.out[:len(buf)]
		for i, v := range work {
			x := clamp(float64(v)*factor, -1, 1) * vol * 32768
			out[i] = int16(clamp(math.Round(x), math.MinInt16, math.MaxInt16))
		}
		MixSaturating(buf, out)
	}
	return len(buf), nil
}

func (e *Engine) grow(n int) {
	if cap(e.pcm) < n {
		e.pcm = make([]int16, n)
		e.work = make([]float32, n)
		e.out = make([]int16, n)
	}
}

func (e *Engine) serverMuted(id int) bool {
	b, ok := e.world.Binding(id)
	return ok && b.ServerMuted()
}

func (e *Engine) serverDeafened(id int) bool {
	b, ok := e.world.Binding(id)
	return ok && b.ServerDeafened()
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
