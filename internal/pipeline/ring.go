package pipeline

import "sync"

// Ring is a fixed-capacity circular buffer that keeps the most recent items.
type Ring[T any] struct {
	mu       sync.RWMutex
	buf      []T
	capacity int
	pos      int // next write position
	full     bool
}

// NewRing creates a ring with the given capacity (at least 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Push adds an item, evicting the oldest once the ring is full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.pos] = item
	r.pos = (r.pos + 1) % r.capacity
	if r.pos == 0 {
		r.full = true
	}
}

// Items returns the retained items, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		result := make([]T, r.pos)
		copy(result, r.buf[:r.pos])
		return result
	}

	result := make([]T, r.capacity)
	n := copy(result, r.buf[r.pos:])
	copy(result[n:], r.buf[:r.pos])
	return result
}
