// Package visibility computes, once per world tick, the directed "can hear"
// relation between entities and reports every edge that appeared or
// disappeared since the previous tick.
package visibility

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/vicinity/internal/world"
)

// ChangeKind distinguishes gained from lost visibility.
type ChangeKind uint8

const (
	Gained ChangeKind = iota + 1
	Lost
)

func (k ChangeKind) String() string {
	switch k {
	case Gained:
		return "gained"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Change is a single edge transition for one observer.
type Change struct {
	Kind     ChangeKind
	Observer int
	// SubjectID is always set.
	SubjectID int
	// Subject carries the full state of the subject for Gained changes.
	Subject world.Snapshot
}

// Sink receives the changes of a tick. Deliver is called from the goroutine
// running [System.Tick], once per change, in observer then subject order.
type Sink interface {
	Deliver(Change)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Change)

// Deliver calls f(c).
func (f SinkFunc) Deliver(c Change) { f(c) }

// Ranges are the world-wide default ranges applied when neither side of a
// pair overrides them.
type Ranges struct {
	Min float64
	Max float64
}

// DefaultMaxRange is the world default audible range used when none is
// configured.
const DefaultMaxRange = 30

// Option configures a [System].
type Option func(*System)

// WithRanges sets the initial world default ranges.
func WithRanges(r Ranges) Option {
	return func(s *System) { s.ranges = r }
}

// System evaluates visibility for all entities of a world.
type System struct {
	w    *world.World
	sink Sink

	mu     sync.RWMutex
	ranges Ranges

	unsub func()
}

// New creates a System for w and subscribes to entity destruction so that a
// destroyed id disappears from every visible set immediately.
func New(w *world.World, sink Sink, opts ...Option) *System {
	s := &System{w: w, sink: sink, ranges: Ranges{Max: DefaultMaxRange}}
	for _, o := range opts {
		o(s)
	}
	s.unsub = w.OnDestroyed(func(ev world.Destroyed) {
		for _, e := range w.Entities() {
			e.RemoveVisible(ev.ID)
		}
	})
	return s
}

// Close unsubscribes from the world. Safe to call more than once.
func (s *System) Close() {
	s.unsub()
}

// SetRanges replaces the world default ranges; the next tick uses them.
func (s *System) SetRanges(r Ranges) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = r
}

// Ranges returns the current world default ranges.
func (s *System) Ranges() Ranges {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ranges
}

// EffectiveMaxRange is the largest of both overrides and the world default.
func EffectiveMaxRange(observer, subject world.Attributes, def Ranges) float64 {
	return max(observer.MaxRange, subject.MaxRange, def.Max)
}

// EffectiveMinRange is the largest of both overrides and the world default,
// capped at the effective max range.
func EffectiveMinRange(observer, subject world.Attributes, def Ranges) float64 {
	return min(max(observer.MinRange, subject.MinRange, def.Min), EffectiveMaxRange(observer, subject, def))
}

// CanSee is the visibility predicate: permission bits intersect, both sides
// are in the same zone and the subject is within effective max range.
func CanSee(observer, subject world.Attributes, def Ranges) bool {
	if !observer.Listen.Intersects(subject.Talk) {
		return false
	}
	if observer.WorldID != subject.WorldID {
		return false
	}
	d := observer.Position.Sub(subject.Position).Len()
	return d <= EffectiveMaxRange(observer, subject, def)
}

// Stats summarizes one tick.
type Stats struct {
	Gained  int
	Lost    int
	Trimmed int
}

// Tick runs one visibility pass. Only subjects with a network binding are
// considered; an entity never sees itself.
func (s *System) Tick() Stats {
	def := s.Ranges()
	entities := s.w.Entities()

	live := make(map[int]world.Attributes, len(entities))
	bound := make(map[int]bool, len(entities))
	for _, e := range entities {
		live[e.ID()] = e.Attributes()
		_, bound[e.ID()] = s.w.Binding(e.ID())
	}

	var st Stats
	for _, obs := range entities {
		if obs.Destroyed() {
			continue
		}
		// Entries whose subject vanished without a destroyed event (e.g. a
		// reset) are dropped silently: there is nothing left to hide.
		for _, id := range obs.VisibleIDs() {
			if _, ok := live[id]; !ok {
				obs.RemoveVisible(id)
				st.Trimmed++
			}
		}

		oa := live[obs.ID()]
		for _, sub := range entities {
			sid := sub.ID()
			if sid == obs.ID() || !bound[sid] {
				continue
			}
			visible := CanSee(oa, live[sid], def)
			switch {
			case visible && obs.AddVisible(sid):
				st.Gained++
				s.deliver(Change{Kind: Gained, Observer: obs.ID(), SubjectID: sid, Subject: sub.Snapshot()})
			case !visible && obs.RemoveVisible(sid):
				st.Lost++
				s.deliver(Change{Kind: Lost, Observer: obs.ID(), SubjectID: sid})
			}
		}
	}
	return st
}

func (s *System) deliver(c Change) {
	if s.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("visibility: sink panicked", "observer", c.Observer, "subject", c.SubjectID, "panic", p)
		}
	}()
	s.sink.Deliver(c)
}
