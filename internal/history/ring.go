package history

// Ring is a fixed-capacity FIFO that overwrites its oldest element when
// full. It is not safe for concurrent use.
type Ring[T any] struct {
	items []T
	head  int // next write position
	size  int
}

// NewRing returns an empty ring. Capacities below one are raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the ring is full.
func (r *Ring[T]) Push(v T) {
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// Len is the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Cap is the maximum number of elements.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	start := (r.head - r.size + len(r.items)) % len(r.items)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(start+i)%len(r.items)]
	}
	return out
}

// Last returns the newest element.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[(r.head-1+len(r.items))%len(r.items)], true
}

// Resize changes the capacity, keeping the newest elements in order.
func (r *Ring[T]) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	items := r.Items()
	if len(items) > capacity {
		items = items[len(items)-capacity:]
	}
	r.items = make([]T, capacity)
	copy(r.items, items)
	r.size = len(items)
	r.head = r.size % capacity
}
