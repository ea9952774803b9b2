package util

import "sync"

// RingBuffer keeps the newest items up to a fixed capacity. Safe for
// concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{items: make([]T, 0, capacity), limit: capacity}
}

// Push appends item, evicting the oldest when full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.push(item)
	r.mu.Unlock()
}

// Upsert replaces the first item same reports true for, or pushes item
// when there is none. It reports whether an item was replaced.
func (r *RingBuffer[T]) Upsert(item T, same func(T) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if same(r.items[i]) {
			r.items[i] = item
			return true
		}
	}
	r.push(item)
	return false
}

// Remove drops every item match reports true for and returns how many went.
func (r *RingBuffer[T]) Remove(match func(T) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.items[:0]
	for _, it := range r.items {
		if !match(it) {
			kept = append(kept, it)
		}
	}
	n := len(r.items) - len(kept)
	var zero T
	for i := len(kept); i < len(r.items); i++ {
		r.items[i] = zero
	}
	r.items = kept
	return n
}

// Snapshot returns a copy, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *RingBuffer[T]) push(item T) {
	if len(r.items) == r.limit {
		copy(r.items, r.items[1:])
		r.items[len(r.items)-1] = item
		return
	}
	r.items = append(r.items, item)
}
