// Package ringbuffer implements the bounded, once-growable byte queue the
// playback daemon uses to decouple chunk ingress from the audio-sink feeder
// loop. One writer (chunk ingress), one reader (the feeder) — no additional
// synchronization is needed beyond the buffer's own indices plus the
// sticky finished flag, per the concurrency model.
package ringbuffer

import (
	"fmt"
	"sync"

	"github.com/localvoice/synthd/internal/coretypes"
)

// RingBuffer is a contiguous byte buffer with wrap-around indices. It grows
// at most once per overflow, never drops bytes, and exposes a sticky
// "finished" marker set by the producer when no more writes are coming.
type RingBuffer struct {
	mu sync.Mutex

	buf   []byte
	head  int // next read position
	tail  int // next write position
	size  int // bytes currently buffered
	cap   int // current capacity
	ceil  int // hard ceiling; 0 means unbounded

	finished bool
}

// New creates a ring buffer with the given initial capacity. ceiling, if
// nonzero, is the hard cap past which Write returns CapacityExceeded
// instead of growing further.
func New(initialCapacity, ceiling int) *RingBuffer {
	if initialCapacity <= 0 {
		initialCapacity = 4096
	}
	return &RingBuffer{
		buf:  make([]byte, initialCapacity),
		cap:  initialCapacity,
		ceil: ceiling,
	}
}

// Write appends bytes to the buffer, growing capacity if needed. It never
// drops bytes short of the hard ceiling.
func (r *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	needed := r.size + len(p)
	if needed > r.cap {
		if err := r.growLocked(needed); err != nil {
			return 0, err
		}
	}

	for i := 0; i < len(p); i++ {
		r.buf[r.tail] = p[i]
		r.tail = (r.tail + 1) % r.cap
	}
	r.size += len(p)

	return len(p), nil
}

// growLocked doubles capacity until it covers needed, or fails against the
// hard ceiling. Growth preserves byte ordering by linearizing the existing
// content into a fresh, larger backing array.
func (r *RingBuffer) growLocked(needed int) error {
	newCap := r.cap
	for newCap < needed {
		newCap *= 2
	}
	if r.ceil > 0 && newCap > r.ceil {
		if needed > r.ceil {
			return fmt.Errorf("ringbuffer: write of %d bytes exceeds ceiling %d: %w", needed, r.ceil, coretypes.ErrRingCapacityExceeded)
		}
		newCap = r.ceil
	}

	grown := make([]byte, newCap)
	// Linearize: read out the current size bytes in order starting at head.
	for i := 0; i < r.size; i++ {
		grown[i] = r.buf[(r.head+i)%r.cap]
	}
	r.buf = grown
	r.cap = newCap
	r.head = 0
	r.tail = r.size
	return nil
}

// Read copies up to n bytes from the buffer into a freshly allocated slice.
// It returns fewer bytes than n if fewer are Available; it never blocks.
func (r *RingBuffer) Read(n int) []byte {
	if n <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n > r.size {
		n = r.size
	}
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+i)%r.cap]
	}
	r.head = (r.head + n) % r.cap
	r.size -= n

	return out
}

// Available returns the number of bytes currently buffered and unread.
func (r *RingBuffer) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Finished reports whether MarkFinished has been called.
func (r *RingBuffer) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// MarkFinished sets the sticky finished flag. It is monotonic: once set, it
// cannot be unset short of Clear.
func (r *RingBuffer) MarkFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
}

// Clear resets the buffer to empty and clears the finished flag. This is
// the only operation allowed to drop buffered bytes.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.tail = 0
	r.size = 0
	r.finished = false
}

// Capacity returns the current (possibly grown) capacity.
func (r *RingBuffer) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cap
}
