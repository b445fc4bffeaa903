package query

import (
	"context"
)

// Answer is what a data source returns when it can satisfy a request. A stale
// answer is published immediately but the remaining sources are still consulted.
type Answer struct {
	Result interface{}
	Stale  bool
}

// DataSource is one link of the resolution chain. Get returns a nil answer to
// decline; Set is called with the result resolved by any other source.
type DataSource interface {
	Name() string
	Get(ctx context.Context, params interface{}) (*Answer, error)
	Set(ctx context.Context, params interface{}, result interface{}) error
}

// Handler performs the remote operation of a query.
type Handler func(ctx context.Context, params interface{}) (interface{}, error)

// FinishedSuccess carries the name of the source that produced Result.
type FinishedSuccess struct {
	Params interface{}
	Result interface{}
	Source string
}

type FinishedFailure struct {
	Params interface{}
	Error  error
}

// ForcedInvocation is an invocation that must bypass anything previously stored
// for it. Key is empty when the emitter does not know it.
type ForcedInvocation struct {
	Params interface{}
	Key    string
}
