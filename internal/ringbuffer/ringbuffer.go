// Package ringbuffer implements a fixed-capacity single-producer
// single-consumer ring buffer for streaming audio/event data where
// blocking is unacceptable.
package ringbuffer

import (
	"fmt"
	"sync/atomic"
)

// SPSC is a lock-free-ish fixed-capacity ring buffer. Capacity must be a
// power of two. Only one goroutine may call TryPush, and only one (possibly
// different) goroutine may call TryPop; mixing producers or consumers is
// undefined.
type SPSC[T any] struct {
	buf      []T
	capacity uint64
	writePos atomic.Uint64
	readPos  atomic.Uint64
}

// New creates an SPSC ring buffer. Panics if capacity is not a power of two
// greater than one.
func New[T any](capacity int) *SPSC[T] {
	if capacity <= 1 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("ringbuffer: capacity must be a power of two > 1, got %d", capacity))
	}
	return &SPSC[T]{
		buf:      make([]T, capacity),
		capacity: uint64(capacity),
	}
}

// TryPush attempts to enqueue item. Returns false if the buffer is full
// (the consumer hasn't kept up); never blocks.
func (r *SPSC[T]) TryPush(item T) bool {
	write := r.writePos.Load()
	read := r.readPos.Load()
	next := (write + 1) & (r.capacity - 1)
	if next == read {
		return false
	}
	r.buf[write] = item
	r.writePos.Store(next)
	return true
}

// TryPop attempts to dequeue one item. Returns (zero, false) if the buffer
// is empty; never blocks.
func (r *SPSC[T]) TryPop() (T, bool) {
	read := r.readPos.Load()
	write := r.writePos.Load()
	if read == write {
		var zero T
		return zero, false
	}
	item := r.buf[read]
	next := (read + 1) & (r.capacity - 1)
	r.readPos.Store(next)
	return item, true
}

// Len returns an approximate fill level; it is a snapshot and may be stale
// by the time the caller observes it.
func (r *SPSC[T]) Len() int {
	write := r.writePos.Load()
	read := r.readPos.Load()
	if write >= read {
		return int(write - read)
	}
	return int(r.capacity - read + write)
}

// Capacity returns the usable capacity (one slot is always reserved to
// disambiguate full from empty).
func (r *SPSC[T]) Capacity() int {
	return int(r.capacity - 1)
}
