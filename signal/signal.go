// Package signal provides the minimal publish/subscribe primitives the query
// pipeline and the cache decorator are wired with.
//
// Handlers run synchronously on the emitting goroutine, in subscription order.
package signal

type Handler[T any] func(value T)

// Unsubscribe detaches a handler. Calling it more than once is a no-op.
type Unsubscribe func()

type Subscribable[T any] interface {
	Subscribe(handler Handler[T]) Unsubscribe
}

type Snapshotter[T any] interface {
	Snapshot() T
}

// Readable is a value that can be both observed and sampled.
type Readable[T any] interface {
	Subscribable[T]
	Snapshotter[T]
}
