package buffer

// Ring is a fixed-capacity buffer that overwrites its oldest entry
// once full.
type Ring[T any] struct {
	entries []T
	next    int
	count   int
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
	}
}

func (r *Ring[T]) Add(entry T) {
	if r == nil || len(r.entries) == 0 {
		return
	}
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

// List returns the buffered entries, oldest first.
func (r *Ring[T]) List() []T {
	if r == nil || r.count == 0 {
		return nil
	}
	start := 0
	if r.count == len(r.entries) {
		start = r.next
	}
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(start+i)%len(r.entries)]
	}
	return out
}
