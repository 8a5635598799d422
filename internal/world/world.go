// Package world holds the authoritative set of entities participating in a
// voice session.
//
// A [World] allocates entity ids, owns the id → entity map and the optional
// network [Binding] of each entity, and publishes lifecycle events through
// typed observer registries. Entities guard their own state; the world only
// guards membership, so iterating the world never holds a lock while entity
// code runs.
package world

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vicinity/internal/event"
)

var (
	// ErrNotFound is returned when no live entity has the requested id.
	ErrNotFound = errors.New("world: entity not found")

	// ErrDuplicateID is returned by [World.AddEntity] when the id is taken.
	ErrDuplicateID = errors.New("world: duplicate entity id")

	// ErrForeignEntity is returned when an entity built for another world is
	// added.
	ErrForeignEntity = errors.New("world: entity belongs to another world")

	// ErrWorldFull is returned when the configured capacity is reached or the
	// id space is exhausted.
	ErrWorldFull = errors.New("world: capacity reached")

	// ErrAlreadyBound is returned by [World.Bind] when the entity already
	// carries a binding.
	ErrAlreadyBound = errors.New("world: entity already bound")
)

// Destroyed is published after an entity has been removed and torn down.
type Destroyed struct {
	ID int
}

// Reset is published once by [World.ClearEntities].
type Reset struct {
	// Count is the number of entities that were removed.
	Count int
}

// Option configures a [World].
type Option func(*World)

// WithCapacity limits the number of live entities. Zero or negative means
// unlimited (bounded only by the id space).
func WithCapacity(n int) Option {
	return func(w *World) { w.capacity = n }
}

// WithMaxID overrides the largest id the allocator hands out.
func WithMaxID(id int) Option {
	return func(w *World) { w.maxID = id }
}

// World is the entity registry. All methods are safe for concurrent use.
type World struct {
	mu       sync.RWMutex
	entities map[int]*Entity
	bindings map[int]*Binding
	nextID   int
	maxID    int
	capacity int

	created   event.Registry[*Entity]
	destroyed event.Registry[Destroyed]
	reset     event.Registry[Reset]
}

// New returns an empty world.
func New(opts ...Option) *World {
	w := &World{
		entities: make(map[int]*Entity),
		bindings: make(map[int]*Binding),
		maxID:    math.MaxInt32,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// OnCreated registers fn for entity creation events.
func (w *World) OnCreated(fn func(*Entity)) (unsubscribe func()) {
	return w.created.Subscribe(fn)
}

// OnDestroyed registers fn for entity destruction events. Observers run after
// the entity has left the registry, so [World.Entity] no longer finds it.
func (w *World) OnDestroyed(fn func(Destroyed)) (unsubscribe func()) {
	return w.destroyed.Subscribe(fn)
}

// OnReset registers fn for [World.ClearEntities].
func (w *World) OnReset(fn func(Reset)) (unsubscribe func()) {
	return w.reset.Subscribe(fn)
}

// CreateEntity allocates the lowest free id at or after the last assigned
// one, registers a new entity under it and publishes a creation event.
func (w *World) CreateEntity(name string) (*Entity, error) {
	w.mu.Lock()
	if w.capacity > 0 && len(w.entities) >= w.capacity {
		w.mu.Unlock()
		return nil, fmt.Errorf("world: create entity %q: %w", name, ErrWorldFull)
	}
	id, ok := w.allocateLocked()
	if !ok {
		w.mu.Unlock()
		return nil, fmt.Errorf("world: create entity %q: %w", name, ErrWorldFull)
	}
	e := newEntity(w, id, name)
	w.entities[id] = e
	w.mu.Unlock()

	w.created.Publish(e)
	return e, nil
}

// allocateLocked scans upward from the last assigned id and wraps to zero
// once. Caller must hold w.mu.
func (w *World) allocateLocked() (int, bool) {
	start := w.nextID
	for id := start; id <= w.maxID; id++ {
		if _, taken := w.entities[id]; !taken {
			w.nextID = id + 1
			return id, true
		}
	}
	for id := 0; id < start && id <= w.maxID; id++ {
		if _, taken := w.entities[id]; !taken {
			w.nextID = id + 1
			return id, true
		}
	}
	return 0, false
}

// NewEntity builds an entity owned by w without registering it. Use it when
// the id is dictated from outside, e.g. a client mirroring server state.
func (w *World) NewEntity(id int, name string) *Entity {
	return newEntity(w, id, name)
}

// AddEntity registers a pre-built entity and publishes a creation event.
func (w *World) AddEntity(e *Entity) error {
	if e.world != w {
		return fmt.Errorf("world: add entity %d: %w", e.id, ErrForeignEntity)
	}
	w.mu.Lock()
	if _, taken := w.entities[e.id]; taken {
		w.mu.Unlock()
		return fmt.Errorf("world: add entity %d: %w", e.id, ErrDuplicateID)
	}
	if w.capacity > 0 && len(w.entities) >= w.capacity {
		w.mu.Unlock()
		return fmt.Errorf("world: add entity %d: %w", e.id, ErrWorldFull)
	}
	w.entities[e.id] = e
	w.mu.Unlock()

	w.created.Publish(e)
	return nil
}

// Entity returns the live entity with the given id.
func (w *World) Entity(id int) (*Entity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[id]
	return e, ok
}

// Len returns the number of live entities.
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entities)
}

// Entities returns a snapshot of the live entities ordered by id.
func (w *World) Entities() []*Entity {
	w.mu.RLock()
	ids := slices.Sorted(maps.Keys(w.entities))
	out := make([]*Entity, len(ids))
	for i, id := range ids {
		out[i] = w.entities[id]
	}
	w.mu.RUnlock()
	return out
}

// DestroyEntity removes the entity, tears it down (closing its Done channel
// and its binding's connection) and publishes a destruction event.
func (w *World) DestroyEntity(id int) error {
	w.mu.Lock()
	e, ok := w.entities[id]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("world: destroy entity %d: %w", id, ErrNotFound)
	}
	delete(w.entities, id)
	b := w.bindings[id]
	delete(w.bindings, id)
	w.mu.Unlock()

	teardown(e, b)
	w.destroyed.Publish(Destroyed{ID: id})
	return nil
}

// ClearEntities removes every entity at once. No per-entity destruction
// events are published; observers receive a single [Reset] instead. The id
// allocator restarts at zero.
func (w *World) ClearEntities() {
	w.mu.Lock()
	entities := w.entities
	bindings := w.bindings
	w.entities = make(map[int]*Entity)
	w.bindings = make(map[int]*Binding)
	w.nextID = 0
	w.mu.Unlock()

	for id, e := range entities {
		teardown(e, bindings[id])
	}
	w.reset.Publish(Reset{Count: len(entities)})
}

func teardown(e *Entity, b *Binding) {
	e.destroy()
	if b != nil && b.Conn != nil {
		if err := b.Conn.Close(); err != nil {
			slog.Debug("world: closing bound connection", "entity", e.id, "err", err)
		}
	}
}

// Bind attaches b to the live entity id.
func (w *World) Bind(id int, b *Binding) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[id]; !ok {
		return fmt.Errorf("world: bind entity %d: %w", id, ErrNotFound)
	}
	if _, ok := w.bindings[id]; ok {
		return fmt.Errorf("world: bind entity %d: %w", id, ErrAlreadyBound)
	}
	w.bindings[id] = b
	return nil
}

// Binding returns the network binding of entity id, if any.
func (w *World) Binding(id int) (*Binding, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, ok := w.bindings[id]
	return b, ok
}

// ForEachParallel calls fn for every live entity with at most limit calls in
// flight. A panic in fn is recovered, logged and reported as an error for
// that entity; the remaining entities are still visited. The returned error
// joins every per-entity failure.
func (w *World) ForEachParallel(limit int, fn func(*Entity) error) error {
	entities := w.Entities()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, e := range entities {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("world: entity tick panicked", "entity", e.id, "panic", p)
					err = fmt.Errorf("world: entity %d: panic: %v", e.id, p)
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
			return fn(e)
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
