package bfvec

import (
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

// Sum adds up every element currently in v under a single Read Guard.
// Grounded on the original BfVec<T> being fully generic over T rather
// than fixed to one numeric type; constrained here to numeric element
// types so the reduction itself is well-typed.
func Sum[T constraints.Integer | constraints.Float](v *Vec[T]) T {
	rg, err := v.handle.Read()
	if err != nil {
		panic(err)
	}
	defer rg.Close()

	s := rg.Get()
	var total T
	length := int(atomic.LoadInt64(&s.len))
	for i := 0; i < length && i < len(s.buffer); i++ {
		total += s.buffer[i]
	}
	return total
}
