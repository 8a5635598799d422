// Package event provides typed observer registries used to fan out lifecycle
// notifications (entity created/destroyed, effect removed, …) without ambient
// callback fields.
//
// A subscription returns an unsubscribe function. Publishing takes a snapshot
// of the current observers under a short read lock and invokes them outside of
// it, so observers may subscribe or unsubscribe from within a callback.
package event

import (
	"log/slog"
	"sync"
)

// Registry is a set of observers for events of type T. The zero value is ready
// to use. All methods are safe for concurrent use.
type Registry[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
	// order keeps delivery deterministic (subscription order).
	order []uint64
}

// Subscribe registers fn and returns a function that removes it again.
// The returned function is idempotent.
func (r *Registry[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs == nil {
		r.subs = make(map[uint64]func(T))
	}
	id := r.next
	r.next++
	r.subs[id] = fn
	r.order = append(r.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of registered observers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Publish delivers ev to every observer registered at the time of the call,
// in subscription order. A panicking observer is logged and skipped; it does
// not prevent delivery to the remaining observers.
func (r *Registry[T]) Publish(ev T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.order))
	for _, id := range r.order {
		fns = append(fns, r.subs[id])
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		deliver(fn, ev)
	}
}

func deliver[T any](fn func(T), ev T) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("event: observer panicked", "panic", p)
		}
	}()
	fn(ev)
}
