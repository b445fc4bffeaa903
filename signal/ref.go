package signal

import (
	"sync/atomic"
)

// Ref is a single mutable slot. Readers load the current value at the start of
// every operation instead of capturing it.
type Ref[T any] struct {
	value atomic.Pointer[T]
}

func NewRef[T any](initial T) *Ref[T] {
	ref := &Ref[T]{}
	ref.Store(initial)
	return ref
}

func (r *Ref[T]) Load() T {
	if ptr := r.value.Load(); ptr != nil {
		return *ptr
	}

	var zero T
	return zero
}

func (r *Ref[T]) Store(value T) {
	r.value.Store(&value)
}

// Swap stores value and returns the previous one.
func (r *Ref[T]) Swap(value T) T {
	if old := r.value.Swap(&value); old != nil {
		return *old
	}

	var zero T
	return zero
}
