// Package ring implements a fixed-capacity FIFO that evicts the oldest value
// on overflow.
package ring

// Buffer is a bounded FIFO of T. Not safe for concurrent use.
type Buffer[T any] struct {
	data []T
	pos  int
	full bool
}

// New creates a Buffer with the given capacity. Capacities below 1 are
// treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest value when the buffer is full.
func (b *Buffer[T]) Push(v T) {
	b.data[b.pos] = v
	b.pos++
	if b.pos >= len(b.data) {
		b.pos = 0
		b.full = true
	}
}

func (b *Buffer[T]) Len() int {
	if b.full {
		return len(b.data)
	}
	return b.pos
}

func (b *Buffer[T]) Cap() int {
	return len(b.data)
}

// Last returns the most recently pushed value.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if b.Len() == 0 {
		return zero, false
	}
	i := b.pos - 1
	if i < 0 {
		i = len(b.data) - 1
	}
	return b.data[i], true
}

// Slice returns the contents oldest first.
func (b *Buffer[T]) Slice() []T {
	n := b.Len()
	out := make([]T, n)
	if b.full {
		copy(out, b.data[b.pos:])
		copy(out[len(b.data)-b.pos:], b.data[:b.pos])
	} else {
		copy(out, b.data[:b.pos])
	}
	return out
}

// Tail returns up to n of the most recent values, oldest first.
func (b *Buffer[T]) Tail(n int) []T {
	s := b.Slice()
	if n < len(s) {
		s = s[len(s)-n:]
	}
	return s
}

// Clear empties the buffer without releasing its storage.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.pos = 0
	b.full = false
}
