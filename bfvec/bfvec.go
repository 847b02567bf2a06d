// Package bfvec implements a thin dynamic array built atop bfsync.Handle:
// push reserves a slot with an atomic fetch-add under shared mode, and
// only falls back to exclusive mode to grow the backing storage. It is
// the concurrent-structural-modification demonstration named in
// spec.md §2.
package bfvec

import (
	"sync/atomic"

	"github.com/dijkstracula/bfsync"
)

const initialCapacity = 8

// state is the payload protected by the embedded lock. Unlike an
// ordinary bfsync payload, it is mutated under shared mode too: push
// writes into buffer and bumps len while only holding a ReadGuard, which
// is safe because len is an atomic counter and each pusher writes a
// slot no other live pusher can also claim. This is the interior
// mutability spec.md §9 calls out as the exception to "mutated only
// under exclusive mode".
type state[T any] struct {
	buffer   []T
	capacity int
	len      int64 // atomic; accessed via sync/atomic helpers below
}

// Vec is a handle on a concurrent append-only array of T, shareable
// across goroutines via Share. The zero value is not usable; obtain one
// from New.
type Vec[T any] struct {
	handle *bfsync.Handle[state[T]]
}

// New returns an empty Vec with zero capacity.
func New[T any]() *Vec[T] {
	return NewWithMetrics[T](nil)
}

// NewWithMetrics is New plus an optional bfsync.Metrics sink on the
// underlying lock; pass nil for no instrumentation.
func NewWithMetrics[T any](metrics bfsync.Metrics) *Vec[T] {
	return &Vec[T]{handle: bfsync.CreateWithMetrics(state[T]{}, metrics)}
}

// Share obtains another handle on the same underlying array, the bfvec
// analogue of Handle.Clone. Every goroutine pushing to a shared Vec must
// call Share to get its own handle.
func (v *Vec[T]) Share() *Vec[T] {
	clone, err := v.handle.Clone()
	if err != nil {
		// Clone only fails on a poisoned administrative mutex, which
		// Go's sync.Mutex cannot produce; see bfsync.PoisonError.
		panic(err)
	}
	return &Vec[T]{handle: clone}
}

// Close releases this handle's roster slot without affecting any other
// handle sharing the array.
func (v *Vec[T]) Close() error {
	return v.handle.Close()
}

// Push appends value, reserving its slot with an atomic fetch-add.
// Callable concurrently from as many goroutines as are sharing the Vec.
func (v *Vec[T]) Push(value T) {
	for {
		rg, err := v.handle.Read()
		if err != nil {
			panic(err)
		}
		s := rg.Get()

		index := atomic.AddInt64(&s.len, 1) - 1
		if index < int64(s.capacity) {
			s.buffer[index] = value
			rg.Close()
			return
		}

		// This reservation landed past capacity: give it back before
		// growing and retrying, or len would overcount by one per
		// overflow (see "array grow retry" in DESIGN.md).
		atomic.AddInt64(&s.len, -1)

		newCapacity := s.capacity * 2
		if newCapacity < initialCapacity {
			newCapacity = initialCapacity
		}
		rg.Close()
		v.reserve(newCapacity)
	}
}

// reserve grows the backing storage to at least newCapacity, taking
// exclusive mode. If another goroutine already grew past newCapacity, it
// returns immediately.
func (v *Vec[T]) reserve(newCapacity int) {
	wg, err := v.handle.Write()
	if err != nil {
		panic(err)
	}
	defer wg.Close()

	s := wg.Get()
	if newCapacity <= s.capacity {
		return
	}

	fresh := make([]T, newCapacity)
	copy(fresh, s.buffer[:s.len])
	s.buffer = fresh
	s.capacity = newCapacity
}

// Len returns the current element count.
func (v *Vec[T]) Len() int {
	rg, err := v.handle.Read()
	if err != nil {
		panic(err)
	}
	defer rg.Close()
	return int(atomic.LoadInt64(&rg.Get().len))
}

// IsEmpty reports whether the array has no elements.
func (v *Vec[T]) IsEmpty() bool {
	return v.Len() == 0
}

// At returns the element at index i and true, or the zero value and
// false if i is out of range. Supplemented: bfsync's Payload accessor
// only exposes the whole state, so an indexed getter is needed to express
// the "read a uniformly random existing element" scenario of spec.md §8.
func (v *Vec[T]) At(i int) (T, bool) {
	rg, err := v.handle.Read()
	if err != nil {
		panic(err)
	}
	defer rg.Close()

	s := rg.Get()
	length := int(atomic.LoadInt64(&s.len))
	var zero T
	if i < 0 || i >= length || i >= s.capacity {
		return zero, false
	}
	return s.buffer[i], true
}

// Clear drops all elements, keeping the allocated capacity.
func (v *Vec[T]) Clear() {
	wg, err := v.handle.Write()
	if err != nil {
		panic(err)
	}
	defer wg.Close()

	s := wg.Get()
	var zero T
	for i := 0; i < int(s.len) && i < len(s.buffer); i++ {
		s.buffer[i] = zero
	}
	atomic.StoreInt64(&s.len, 0)
}
