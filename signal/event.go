package signal

import (
	"sync"
)

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Event is a stateless signal: values are delivered to the handlers subscribed at
// the moment of Emit and are not retained.
type Event[T any] struct {
	mu       sync.RWMutex
	handlers []subscription[T]
	nextID   uint64
}

func NewEvent[T any]() *Event[T] {
	return &Event[T]{}
}

func (e *Event[T]) Subscribe(handler Handler[T]) Unsubscribe {
	if handler == nil {
		return func() {}
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, subscription[T]{id: id, handler: handler})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.remove(id)
		})
	}
}

func (e *Event[T]) Emit(value T) {
	e.mu.RLock()
	handlers := make([]subscription[T], len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, sub := range handlers {
		sub.handler(value)
	}
}

func (e *Event[T]) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

func (e *Event[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.handlers {
		if sub.id == id {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Map derives a subscribable that forwards fn(value) for every emission of source.
func Map[T, R any](source Subscribable[T], fn func(T) R) Subscribable[R] {
	return mapped[T, R]{source: source, fn: fn}
}

type mapped[T, R any] struct {
	source Subscribable[T]
	fn     func(T) R
}

func (m mapped[T, R]) Subscribe(handler Handler[R]) Unsubscribe {
	return m.source.Subscribe(func(value T) {
		handler(m.fn(value))
	})
}

// Filter forwards only the values accepted by keep.
func Filter[T any](source Subscribable[T], keep func(T) bool) Subscribable[T] {
	return filtered[T]{source: source, keep: keep}
}

type filtered[T any] struct {
	source Subscribable[T]
	keep   func(T) bool
}

func (f filtered[T]) Subscribe(handler Handler[T]) Unsubscribe {
	return f.source.Subscribe(func(value T) {
		if f.keep(value) {
			handler(value)
		}
	})
}

// Merge forwards the emissions of every source.
func Merge[T any](sources ...Subscribable[T]) Subscribable[T] {
	return merged[T](sources)
}

type merged[T any] []Subscribable[T]

func (m merged[T]) Subscribe(handler Handler[T]) Unsubscribe {
	unsubscribers := make([]Unsubscribe, 0, len(m))
	for _, source := range m {
		unsubscribers = append(unsubscribers, source.Subscribe(handler))
	}

	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}
