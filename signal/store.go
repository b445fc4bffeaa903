package signal

import (
	"sync"
)

// Store is a stateful signal: it holds the latest value and notifies subscribers
// on every Set.
type Store[T any] struct {
	ref     *Ref[T]
	updates *Event[T]
	mu      sync.Mutex
}

func NewStore[T any](initial T) *Store[T] {
	return &Store[T]{
		ref:     NewRef(initial),
		updates: NewEvent[T](),
	}
}

func (s *Store[T]) Snapshot() T {
	return s.ref.Load()
}

// Set replaces the value and notifies subscribers. Concurrent Sets are applied
// one at a time so subscribers observe them in order; a subscriber must not Set
// the store it is subscribed to.
func (s *Store[T]) Set(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ref.Store(value)
	s.updates.Emit(value)
}

func (s *Store[T]) Subscribe(handler Handler[T]) Unsubscribe {
	return s.updates.Subscribe(handler)
}

// Sample pairs every emission of clock with the current snapshot of source.
func Sample[C, S, R any](clock Subscribable[C], source Snapshotter[S], fn func(S, C) R) Subscribable[R] {
	return Map(clock, func(value C) R {
		return fn(source.Snapshot(), value)
	})
}
