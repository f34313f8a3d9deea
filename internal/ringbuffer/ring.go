// Package ringbuffer provides the fixed-capacity sample queue that sits between
// an acquisition goroutine and the demodulator.
//
// The producer never blocks: when the queue is full the oldest unread samples
// are overwritten. The consumer reads whatever is available.
package ringbuffer

import (
	"context"
	"fmt"
	"sync"
)

// Stats reports the lifetime counters of a Ring.
type Stats struct {
	Written     uint64 `json:"written"`
	Overwritten uint64 `json:"overwritten"`
	Read        uint64 `json:"read"`
}

// Ring is a circular buffer of complex samples with overwrite-on-overflow
// semantics. It is safe for one writer and one reader running concurrently.
type Ring struct {
	mu     sync.Mutex
	buf    []complex64
	head   int // index of the oldest unread sample
	count  int
	notify chan struct{}
	stats  Stats
}

// New allocates a Ring holding at most capacity samples.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringbuffer: capacity must be positive, got %d", capacity))
	}
	return &Ring{
		buf:    make([]complex64, capacity),
		notify: make(chan struct{}),
	}
}

// Capacity returns the fixed number of samples the ring can hold.
func (r *Ring) Capacity() int { return len(r.buf) }

// Available returns the number of unread samples.
func (r *Ring) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Free returns the number of samples that can be written without overwriting.
func (r *Ring) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.count
}

// Write appends samples, dropping the oldest unread data when there is not
// enough room. If len(samples) exceeds the capacity only the newest samples
// are kept. It returns the number of samples lost to the overflow.
func (r *Ring) Write(samples []complex64) int {
	if len(samples) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buf)
	incoming := len(samples)
	lost := 0
	if len(samples) > size {
		lost = len(samples) - size
		samples = samples[lost:]
	}

	n := len(samples)
	if over := r.count + n - size; over > 0 {
		r.head = (r.head + over) % size
		r.count -= over
		lost += over
	}

	tail := (r.head + r.count) % size
	first := copy(r.buf[tail:], samples)
	copy(r.buf, samples[first:])
	r.count += n

	r.stats.Written += uint64(incoming)
	r.stats.Overwritten += uint64(lost)

	close(r.notify)
	r.notify = make(chan struct{})
	return lost
}

// Read copies up to len(dst) unread samples into dst in arrival order and
// returns how many were copied. It never blocks.
func (r *Ring) Read(dst []complex64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(len(dst), r.count)
	if n == 0 {
		return 0
	}

	first := copy(dst[:n], r.buf[r.head:])
	copy(dst[first:n], r.buf[:n-first])

	r.head = (r.head + n) % len(r.buf)
	r.count -= n
	r.stats.Read += uint64(n)
	return n
}

// Reset discards every unread sample.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.head = 0
	r.count = 0
	r.mu.Unlock()
}

// Wait blocks until at least n samples are available or ctx is done.
func (r *Ring) Wait(ctx context.Context, n int) error {
	if n > len(r.buf) {
		return fmt.Errorf("ringbuffer: wait for %d samples exceeds capacity %d", n, len(r.buf))
	}
	for {
		r.mu.Lock()
		if r.count >= n {
			r.mu.Unlock()
			return nil
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns a snapshot of the lifetime counters.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
