// Package ringbuf implements a fixed-capacity ring buffer that overwrites
// the oldest element once full. It backs every bounded rolling window in the
// pipeline: the flight recorder's pre-event ring, the latency sample window,
// and the analytic consumers' price/return windows.
package ringbuf

import "fmt"

// Buffer is a bounded FIFO over elements of type T. Once Len() == Cap(),
// each Push evicts the oldest element. Buffer is not safe for concurrent
// use; every window in the pipeline is owned by a single goroutine.
type Buffer[T any] struct {
	data  []T
	start int
	size  int
}

// New creates a Buffer with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringbuf: capacity must be positive, got %d", capacity))
	}
	return &Buffer[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the buffer is full.
func (b *Buffer[T]) Push(v T) {
	if b.size < len(b.data) {
		b.data[(b.start+b.size)%len(b.data)] = v
		b.size++
		return
	}
	b.data[b.start] = v
	b.start = (b.start + 1) % len(b.data)
}

// Len returns the number of elements currently held.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.data) }

// Snapshot returns the elements in insertion order, oldest first. The
// returned slice is a copy and safe to retain.
func (b *Buffer[T]) Snapshot() []T {
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.data[(b.start+i)%len(b.data)]
	}
	return out
}

// Clear discards all elements. Capacity is retained.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.start = 0
	b.size = 0
}
