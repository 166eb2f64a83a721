package array

import (
	"math/rand/v2"
)

// Rand is a FIFO whose Pop now and then lets one of the next few
// elements overtake the head. The simulated network uses one per route
// to reorder packets.
type Rand[T any] struct {
	rng *rand.Rand

	// reorder is the chance that a Pop does not take the head.
	reorder float64
	// window bounds how far behind the head a reordered Pop reaches.
	window int

	items []T
	// head is the index of the oldest element still queued.
	head int

	reordered int
}

func NewRand[T any](rng *rand.Rand, reorder float64, window int) *Rand[T] {
	return &Rand[T]{
		rng:     rng,
		reorder: reorder,
		window:  max(window, 1),
	}
}

func (r *Rand[T]) Push(value T) {
	r.items = append(r.items, value)
}

func (r *Rand[T]) Pop() (T, bool) {
	var zero T

	n := r.Len()
	if n == 0 {
		return zero, false
	}

	i := r.head
	if r.rng.Float64() < r.reorder {
		i += r.rng.IntN(min(n, r.window))
	}

	v := r.items[i]
	if i != r.head {
		// Close the gap by shifting the overtaken elements one step back.
		copy(r.items[r.head+1:i+1], r.items[r.head:i])
		r.reordered++
	}

	r.items[r.head] = zero
	r.head++
	r.compact()

	return v, true
}

func (r *Rand[T]) Len() int {
	return len(r.items) - r.head
}

// Reordered returns how many Pops did not take the head.
func (r *Rand[T]) Reordered() int {
	return r.reordered
}

// compact reclaims the consumed prefix once it dominates the slice.
func (r *Rand[T]) compact() {
	if r.head == len(r.items) {
		r.items = r.items[:0]
		r.head = 0
		return
	}

	if r.head > 64 && r.head*2 > len(r.items) {
		r.items = append(r.items[:0], r.items[r.head:]...)
		r.head = 0
	}
}
