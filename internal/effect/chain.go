package effect

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/vicinity/internal/event"
	"github.com/MrWong99/vicinity/internal/world"
)

// Removed is published when an effect leaves a [Chain].
type Removed struct {
	Bitmask world.Bitmask
}

// Chain is the ordered set of effects of one process, keyed by bitmask. It is
// safe for concurrent use; [Chain.Apply] may run while effects are set or
// removed from other goroutines.
type Chain struct {
	mu      sync.RWMutex
	effects []Effect

	removed event.Registry[Removed]
}

// OnRemoved registers fn for effect removals.
func (c *Chain) OnRemoved(fn func(Removed)) (unsubscribe func()) {
	return c.removed.Subscribe(fn)
}

// Set adds e, or replaces the effect registered under the same bitmask while
// keeping its position. A replaced effect is closed.
func (c *Chain) Set(e Effect) {
	mask := e.Params().Bitmask
	c.mu.Lock()
	var old Effect
	for i, cur := range c.effects {
		if cur.Params().Bitmask == mask {
			old, c.effects[i] = cur, e
			break
		}
	}
	if old == nil {
		c.effects = append(c.effects, e)
	}
	c.mu.Unlock()

	if old != nil {
		closeEffect(old)
	}
}

// Remove deletes the effect registered under mask, closes it and notifies
// observers. It reports whether an effect was removed.
func (c *Chain) Remove(mask world.Bitmask) bool {
	c.mu.Lock()
	var old Effect
	for i, cur := range c.effects {
		if cur.Params().Bitmask == mask {
			old = cur
			c.effects = append(c.effects[:i:i], c.effects[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if old == nil {
		return false
	}
	closeEffect(old)
	c.removed.Publish(Removed{Bitmask: mask})
	return true
}

// Clear removes every effect, publishing one [Removed] per effect.
func (c *Chain) Clear() {
	c.mu.Lock()
	old := c.effects
	c.effects = nil
	c.mu.Unlock()

	for _, e := range old {
		closeEffect(e)
		c.removed.Publish(Removed{Bitmask: e.Params().Bitmask})
	}
}

// Replace swaps the whole chain for the effects described by params, in
// order. Effects whose bitmask disappears are removed (with notification);
// the rest are replaced.
func (c *Chain) Replace(params []Params) error {
	next := make([]Effect, 0, len(params))
	keep := make(map[world.Bitmask]bool, len(params))
	for _, p := range params {
		e, err := New(p)
		if err != nil {
			for _, n := range next {
				closeEffect(n)
			}
			return err
		}
		next = append(next, e)
		keep[p.Bitmask] = true
	}

	c.mu.Lock()
	old := c.effects
	c.effects = next
	c.mu.Unlock()

	for _, e := range old {
		closeEffect(e)
		if mask := e.Params().Bitmask; !keep[mask] {
			c.removed.Publish(Removed{Bitmask: mask})
		}
	}
	return nil
}

// Params lists the registered effects in order.
func (c *Chain) Params() []Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Params, len(c.effects))
	for i, e := range c.effects {
		out[i] = e.Params()
	}
	return out
}

// Apply runs every effect active for p over buf in registration order. A
// pair whose talk and listen bits do not intersect is skipped without
// touching any effect.
func (c *Chain) Apply(p Pair, buf []float32) {
	if p.SourceAt.Talk&p.ListenAt.Listen == 0 {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.effects {
		if p.Active(e.Params().Bitmask) {
			e.Process(p, buf)
		}
	}
}

// Forget drops per-pair state involving id from every effect.
func (c *Chain) Forget(id int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.effects {
		e.Forget(id)
	}
}

// Len returns the number of registered effects.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.effects)
}

func closeEffect(e Effect) {
	if err := e.Close(); err != nil {
		slog.Warn("effect: close failed", "bitmask", e.Params().Bitmask, "err", err)
	}
}
