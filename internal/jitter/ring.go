package jitter

import "sync"

// Ring is a bounded PCM buffer between a pipeline and the mixer. Writes never
// block: when full, the oldest unread samples are overwritten.
type Ring struct {
	mu     sync.Mutex
	buf    []int16
	start  int
	size   int
	closed bool
}

// NewRing returns a ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	return &Ring{buf: make([]int16, max(capacity, 1))}
}

// Write appends pcm, discarding the oldest unread samples on overflow. It
// returns the number of samples discarded.
func (r *Ring) Write(pcm []int16) (dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return len(pcm)
	}
	c := len(r.buf)
	if len(pcm) >= c {
		dropped = r.size + len(pcm) - c
		copy(r.buf, pcm[len(pcm)-c:])
		r.start, r.size = 0, c
		return dropped
	}
	if over := r.size + len(pcm) - c; over > 0 {
		r.start = (r.start + over) % c
		r.size -= over
		dropped = over
	}
	end := (r.start + r.size) % c
	n := copy(r.buf[end:], pcm)
	copy(r.buf, pcm[n:])
	r.size += len(pcm)
	return dropped
}

// Read moves up to len(dst) samples into dst and returns how many were
// copied. It never blocks.
func (r *Ring) Read(dst []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(len(dst), r.size)
	if n == 0 {
		return 0
	}
	c := len(r.buf)
	first := copy(dst[:n], r.buf[r.start:min(r.start+n, c)])
	copy(dst[first:n], r.buf)
	r.start = (r.start + n) % c
	r.size -= n
	return n
}

// Len returns the number of unread samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Close releases the storage. Subsequent writes are discarded and reads
// return zero. It is idempotent.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.buf = make([]int16, 1)
	r.start, r.size = 0, 0
}
