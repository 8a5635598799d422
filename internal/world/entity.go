package world

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Dirty is a set of attribute groups changed since the last [Entity.TakeDirty].
type Dirty uint16

const (
	DirtyName Dirty = 1 << iota
	DirtyPosition
	DirtyRotation
	DirtyWorldID
	DirtyTalk
	DirtyListen
	DirtyRange
	DirtyModifiers
	DirtyMuted
	DirtyDeafened
	DirtyProperties
	DirtySpeaking

	// DirtyAll selects every attribute group.
	DirtyAll = DirtySpeaking<<1 - 1
)

// Attributes is the lightweight, property-free view of an entity used on hot
// paths (visibility, mixing).
type Attributes struct {
	WorldID      string
	Position     mgl64.Vec3
	Rotation     mgl64.Vec2
	Talk         Bitmask
	Listen       Bitmask
	MinRange     float64 // 0 means "use the world default"
	MaxRange     float64 // 0 means "use the world default"
	CaveFactor   float64
	MuffleFactor float64
	Muted        bool
	Deafened     bool
}

// Snapshot is a complete, detached copy of an entity's replicated state.
type Snapshot struct {
	ID   int
	Name string
	Attributes
	Properties map[PropertyKey]Value
}

// Entity is an addressable participant of a [World]. All accessors are safe
// for concurrent use; each entity guards its own state with a private lock.
type Entity struct {
	id    int
	world *World

	mu         sync.RWMutex
	name       string
	attrs      Attributes
	properties map[PropertyKey]Value
	visible    map[int]struct{}
	dirty      Dirty
	dirtyProps map[PropertyKey]struct{}

	lastSpoke time.Time
	loudness  float64
	speaking  bool

	done      chan struct{}
	closeOnce sync.Once
}

func newEntity(w *World, id int, name string) *Entity {
	return &Entity{
		id:         id,
		world:      w,
		name:       name,
		properties: make(map[PropertyKey]Value),
		visible:    make(map[int]struct{}),
		dirtyProps: make(map[PropertyKey]struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the entity's process-scoped identifier.
func (e *Entity) ID() int { return e.id }

// World returns the registry the entity belongs to.
func (e *Entity) World() *World { return e.world }

// Done returns a channel closed once the entity has been destroyed.
func (e *Entity) Done() <-chan struct{} { return e.done }

// Destroyed reports whether the entity has been torn down.
func (e *Entity) Destroyed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// destroy tears the entity down. It is idempotent.
func (e *Entity) destroy() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		clear(e.visible)
		clear(e.dirtyProps)
		e.dirty = 0
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *Entity) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

func (e *Entity) SetName(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.name != name {
		e.name = name
		e.dirty |= DirtyName
	}
}

// Attributes returns a copy of the entity's spatial and gating attributes.
func (e *Entity) Attributes() Attributes {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attrs
}

// Snapshot returns a detached copy of the full replicated state.
func (e *Entity) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		ID:         e.id,
		Name:       e.name,
		Attributes: e.attrs,
		Properties: maps.Clone(e.properties),
	}
}

// Apply overwrites the replicated state with s without marking anything
// dirty. Used by client-side mirrors applying authoritative state. The id of
// s is ignored.
func (e *Entity) Apply(s Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.name = s.Name
	e.attrs = s.Attributes
	e.properties = maps.Clone(s.Properties)
	if e.properties == nil {
		e.properties = make(map[PropertyKey]Value)
	}
}

// update mutates the attributes through fn and marks the given groups dirty
// when the result differs from the previous state.
func (e *Entity) update(mark Dirty, fn func(a *Attributes)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	before := e.attrs
	fn(&e.attrs)
	if before != e.attrs {
		e.dirty |= mark
	}
}

func (e *Entity) SetPosition(p mgl64.Vec3) {
	e.update(DirtyPosition, func(a *Attributes) { a.Position = p })
}

func (e *Entity) SetRotation(r mgl64.Vec2) {
	e.update(DirtyRotation, func(a *Attributes) { a.Rotation = r })
}

func (e *Entity) SetWorldID(id string) {
	e.update(DirtyWorldID, func(a *Attributes) { a.WorldID = id })
}

func (e *Entity) SetTalkBitmask(b Bitmask) {
	e.update(DirtyTalk, func(a *Attributes) { a.Talk = b })
}

func (e *Entity) SetListenBitmask(b Bitmask) {
	e.update(DirtyListen, func(a *Attributes) { a.Listen = b })
}

// SetRange sets the per-entity range overrides. Zero leaves the world default
// in effect.
func (e *Entity) SetRange(minRange, maxRange float64) {
	e.update(DirtyRange, func(a *Attributes) {
		a.MinRange = max(minRange, 0)
		a.MaxRange = max(maxRange, 0)
	})
}

// SetModifiers sets the cave and muffle factors, clamped to [0, 1].
func (e *Entity) SetModifiers(cave, muffle float64) {
	e.update(DirtyModifiers, func(a *Attributes) {
		a.CaveFactor = clamp01(cave)
		a.MuffleFactor = clamp01(muffle)
	})
}

func (e *Entity) SetMuted(v bool) {
	e.update(DirtyMuted, func(a *Attributes) { a.Muted = v })
}

func (e *Entity) SetDeafened(v bool) {
	e.update(DirtyDeafened, func(a *Attributes) { a.Deafened = v })
}

// Property returns the value stored under key, or [Absent].
func (e *Entity) Property(key PropertyKey) Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.properties[key]
}

// SetProperty stores v under key. Storing [Absent] removes the entry.
func (e *Entity) SetProperty(key PropertyKey, v Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old, had := e.properties[key]
	if v.IsAbsent() {
		if !had {
			return
		}
		delete(e.properties, key)
	} else {
		if had && old == v {
			return
		}
		e.properties[key] = v
	}
	e.dirtyProps[key] = struct{}{}
	e.dirty |= DirtyProperties
}

// TakeDirty returns and resets the set of changed attribute groups together
// with the property keys changed since the last call.
func (e *Entity) TakeDirty() (Dirty, []PropertyKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.dirty
	e.dirty = 0
	if len(e.dirtyProps) == 0 {
		return d, nil
	}
	keys := slices.Sorted(maps.Keys(e.dirtyProps))
	clear(e.dirtyProps)
	return d, keys
}

// AddVisible records that other is perceivable from e. It reports whether
// the entry is new.
func (e *Entity) AddVisible(other int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.visible[other]; ok {
		return false
	}
	e.visible[other] = struct{}{}
	return true
}

// RemoveVisible forgets other. It reports whether an entry was removed.
func (e *Entity) RemoveVisible(other int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.visible[other]; !ok {
		return false
	}
	delete(e.visible, other)
	return true
}

// CanSee reports whether other is in the visible set.
func (e *Entity) CanSee(other int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.visible[other]
	return ok
}

// VisibleIDs returns the visible set in ascending order.
func (e *Entity) VisibleIDs() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.visible))
}

// ReportSpoke records audio activity at now with the given loudness in [0, 1].
func (e *Entity) ReportSpoke(now time.Time, loudness float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSpoke = now
	e.loudness = clamp01(loudness)
	if !e.speaking {
		e.speaking = true
		e.dirty |= DirtySpeaking
	}
}

// Speaking reports the speaking indicator and the most recent loudness.
func (e *Entity) Speaking() (speaking bool, loudness float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.speaking, e.loudness
}

// SetSpeaking overwrites the speaking indicator, for mirrors of remote
// entities whose activity is decided elsewhere.
func (e *Entity) SetSpeaking(speaking bool, loudness float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !speaking {
		loudness = 0
	}
	e.loudness = clamp01(loudness)
	if e.speaking != speaking {
		e.speaking = speaking
		e.dirty |= DirtySpeaking
	}
}

// LastSpoke returns the time of the most recent audio activity.
func (e *Entity) LastSpoke() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSpoke
}

// Decay clears the speaking indicator once timeout has elapsed since the last
// audio activity. It reports whether the indicator changed.
func (e *Entity) Decay(now time.Time, timeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.speaking || now.Sub(e.lastSpoke) < timeout {
		return false
	}
	e.speaking = false
	e.loudness = 0
	e.dirty |= DirtySpeaking
	return true
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
