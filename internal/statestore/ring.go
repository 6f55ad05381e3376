package statestore

// ring is a fixed-capacity circular buffer that evicts oldest-first.
// Callers are responsible for locking; the store serializes all access.
type ring[T any] struct {
	items []T
	size  int
	pos   int
	full  bool
}

func newRing[T any](size int) *ring[T] {
	return &ring[T]{
		items: make([]T, size),
		size:  size,
	}
}

func (r *ring[T]) Append(v T) {
	r.items[r.pos] = v
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ring[T]) Len() int {
	if r.full {
		return r.size
	}
	return r.pos
}

// Snapshot returns the buffered values in append order, oldest first.
func (r *ring[T]) Snapshot() []T {
	if !r.full {
		out := make([]T, r.pos)
		copy(out, r.items[:r.pos])
		return out
	}
	out := make([]T, r.size)
	copy(out, r.items[r.pos:])
	copy(out[r.size-r.pos:], r.items[:r.pos])
	return out
}

// Tail returns the most recent n values in append order.
func (r *ring[T]) Tail(n int) []T {
	all := r.Snapshot()
	if n < 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

func (r *ring[T]) Clear() {
	r.pos = 0
	r.full = false
	clear(r.items)
}
