package query

import (
	"github.com/saiset-co/sai-query-cache/signal"
)

// SourcedField is a value outside the explicit parameters that still affects the
// result of a query, for example the current session. Resolve reports false while
// the value cannot be determined yet.
type SourcedField interface {
	Resolve(params interface{}) (interface{}, bool)
}

type SourcedFunc func(params interface{}) (interface{}, bool)

func (f SourcedFunc) Resolve(params interface{}) (interface{}, bool) {
	return f(params)
}

// Static always resolves to value.
func Static(value interface{}) SourcedField {
	return SourcedFunc(func(interface{}) (interface{}, bool) {
		return value, true
	})
}

// FromStore resolves to the current snapshot of store.
func FromStore[T any](store signal.Snapshotter[T]) SourcedField {
	return SourcedFunc(func(interface{}) (interface{}, bool) {
		return store.Snapshot(), true
	})
}

// FromStoreWithParams combines the snapshot of store with the invocation params.
// fn reports false when the value is not resolvable yet.
func FromStoreWithParams[T any](store signal.Snapshotter[T], fn func(value T, params interface{}) (interface{}, bool)) SourcedField {
	return SourcedFunc(func(params interface{}) (interface{}, bool) {
		return fn(store.Snapshot(), params)
	})
}

// FromOptionalStore resolves to the snapshot of store, or reports false while it
// holds nil.
func FromOptionalStore[T any](store signal.Snapshotter[*T]) SourcedField {
	return SourcedFunc(func(interface{}) (interface{}, bool) {
		value := store.Snapshot()
		if value == nil {
			return nil, false
		}
		return *value, true
	})
}
