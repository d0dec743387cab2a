// Package ring provides a fixed-capacity FIFO that evicts its oldest element on overflow.
package ring

// Buffer holds at most Cap elements in insertion order.
type Buffer[T any] struct {
	items []T
	start int
	size  int
}

// New returns an empty buffer with the given capacity. Capacity below 1 is raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the buffer is full.
func (b *Buffer[T]) Push(v T) {
	if b.size < len(b.items) {
		b.items[(b.start+b.size)%len(b.items)] = v
		b.size++
		return
	}
	b.items[b.start] = v
	b.start = (b.start + 1) % len(b.items)
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.size }

// Cap returns the capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// At returns the i-th element, oldest first. It panics when i is out of range.
func (b *Buffer[T]) At(i int) T {
	if i < 0 || i >= b.size {
		panic("ring: index out of range")
	}
	return b.items[(b.start+i)%len(b.items)]
}

// First returns the oldest element.
func (b *Buffer[T]) First() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.At(0), true
}

// Last returns the newest element.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.At(b.size - 1), true
}

// Items returns a copy of the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.size)
	for i := range out {
		out[i] = b.At(i)
	}
	return out
}

// Count returns how many elements satisfy pred.
func (b *Buffer[T]) Count(pred func(T) bool) int {
	n := 0
	for i := 0; i < b.size; i++ {
		if pred(b.At(i)) {
			n++
		}
	}
	return n
}

// Clear drops all elements and keeps the capacity.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.start, b.size = 0, 0
}
