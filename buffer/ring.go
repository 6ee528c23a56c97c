package buffer

import "sync/atomic"

// Ring is a lock-free circular buffer of recent values. Each slot holds an
// atomic pointer to a sequenced entry so readers see either a complete value or
// the previous one, never a torn write.
type Ring[T any] struct {
	slots    []atomic.Pointer[ringEntry[T]]
	capacity int
	total    atomic.Uint64
}

type ringEntry[T any] struct {
	seq   uint64
	value T
}

// NewRing allocates a ring holding up to capacity values (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		slots:    make([]atomic.Pointer[ringEntry[T]], capacity),
		capacity: capacity,
	}
}

// Add publishes a value and returns its 1-based sequence number.
func (r *Ring[T]) Add(v T) uint64 {
	seq := r.total.Add(1)
	idx := (seq - 1) % uint64(r.capacity)
	r.slots[idx].Store(&ringEntry[T]{seq: seq, value: v})
	return seq
}

// Recent returns up to n values, newest first.
func (r *Ring[T]) Recent(n int) []T {
	if n <= 0 {
		return nil
	}
	total := r.total.Load()
	available := int(total)
	if available > r.capacity {
		available = r.capacity
	}
	if n > available {
		n = available
	}
	out := make([]T, 0, n)
	minSeq := total - uint64(available)
	for seq := total; seq > minSeq && len(out) < n; seq-- {
		slot := (seq - 1) % uint64(r.capacity)
		// seq check skips slots overwritten after wraparound
		if e := r.slots[slot].Load(); e != nil && e.seq == seq {
			out = append(out, e.value)
		}
	}
	return out
}

// Count returns the total number of values added (may exceed capacity).
func (r *Ring[T]) Count() uint64 {
	return r.total.Load()
}

// Capacity returns the slot count.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Reset forgets every stored value. It must not race with Add.
func (r *Ring[T]) Reset() {
	for i := range r.slots {
		r.slots[i].Store(nil)
	}
	r.total.Store(0)
}
