// Package jitter turns a bursty, reorderable, lossy stream of encoded voice
// frames from one remote speaker into a steady PCM stream.
//
// A [Buffer] holds pending frames keyed by their sender timestamp and owns
// the playback clock. A [Pipeline] steps the clock once per frame interval,
// decodes or conceals, and pushes PCM into a [Ring] that the mixer drains.
package jitter

import (
	"errors"
	"maps"
	"slices"
	"sync"
)

var (
	// ErrLate is returned by [Buffer.Put] for a frame whose timestamp the
	// playback clock has already passed.
	ErrLate = errors.New("jitter: frame arrived after its playout time")

	// ErrDuplicate is returned by [Buffer.Put] when a frame with the same
	// timestamp is already buffered.
	ErrDuplicate = errors.New("jitter: duplicate frame")

	// ErrEvicted is returned by [Buffer.Put] when the window was full and the
	// new frame was the oldest, so it was discarded immediately.
	ErrEvicted = errors.New("jitter: frame evicted from full window")

	// ErrClosed is returned by [Buffer.Put] after [Buffer.Close].
	ErrClosed = errors.New("jitter: buffer closed")
)

// Buffer is a timestamp-indexed window of pending encoded frames plus a
// playback clock. All methods are safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	frames   map[uint32][]byte
	capacity int
	prefill  int

	anchored bool
	playhead uint32
	// played stays set once the clock was first anchored. The playhead is
	// then a low-water mark that also holds while re-anchoring.
	played bool
	// waited counts ticks spent unanchored with at least one frame
	// buffered, so a spurt shorter than prefill still plays.
	waited int

	closed bool
}

// NewBuffer returns a buffer holding at most capacity frames that starts
// playback once prefill frames are buffered.
func NewBuffer(capacity, prefill int) *Buffer {
	capacity = max(capacity, 1)
	return &Buffer{
		frames:   make(map[uint32][]byte, capacity),
		capacity: capacity,
		prefill:  min(max(prefill, 1), capacity),
	}
}

// Put inserts a frame. Frames may arrive in any order; a frame older than
// the playback clock or already present is refused. The clock keeps
// refusing older frames after [Buffer.Reanchor], so a straggler from the
// previous talk spurt cannot anchor the next one. When the window is full
// the lowest timestamp is evicted, which may be the new frame itself.
func (b *Buffer) Put(ts uint32, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.played && ts < b.playhead {
		return ErrLate
	}
	if _, ok := b.frames[ts]; ok {
		return ErrDuplicate
	}
	b.frames[ts] = frame
	if len(b.frames) > b.capacity {
		lowest := b.lowestLocked()
		delete(b.frames, lowest)
		if lowest == ts {
			return ErrEvicted
		}
	}
	return nil
}

func (b *Buffer) lowestLocked() uint32 {
	return slices.Min(slices.Collect(maps.Keys(b.frames)))
}

// Get removes and returns the frame due at the playback clock. Until the
// clock is anchored it returns nothing; anchoring happens once prefill frames
// are buffered (or the first frame has waited prefill ticks) and sets the
// clock to the lowest buffered timestamp.
func (b *Buffer) Get() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, false
	}
	if !b.anchored {
		if len(b.frames) == 0 || (len(b.frames) < b.prefill && b.waited < b.prefill) {
			return nil, false
		}
		b.playhead = b.lowestLocked()
		b.anchored, b.played = true, true
		b.waited = 0
	}
	frame, ok := b.frames[b.playhead]
	if ok {
		delete(b.frames, b.playhead)
	}
	return frame, ok
}

// Tick advances the playback clock by one frame. It must be called exactly
// once per pipeline step, after Get.
func (b *Buffer) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.anchored {
		if len(b.frames) > 0 {
			b.waited++
		}
		return
	}
	b.playhead++
	for ts := range b.frames {
		if ts < b.playhead {
			delete(b.frames, ts)
		}
	}
}

// Reanchor releases the playback clock so that the next [Buffer.Get]
// anchors to the lowest buffered timestamp again. Called when a talk spurt
// ended.
func (b *Buffer) Reanchor() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anchored = false
	b.waited = 0
}

// Playhead returns the playback clock and whether it is anchored.
func (b *Buffer) Playhead() (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playhead, b.anchored
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Close stops accepting frames and releases the buffered ones. It is
// idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.frames = nil
}
