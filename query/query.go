package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/signal"
	"github.com/saiset-co/sai-query-cache/types"
)

const RemoteSourceName = "remote"

type Option func(q *Query)

// WithName sets a human readable name used in logs. It defaults to the sid.
func WithName(name string) Option {
	return func(q *Query) {
		q.name = name
	}
}

// WithParamsAreMeaningless marks the parameters as irrelevant to the result, so
// they never take part in cache key derivation.
func WithParamsAreMeaningless() Option {
	return func(q *Query) {
		q.paramsAreMeaningless = true
	}
}

// WithSourced declares dynamic source fields. Their order is significant.
func WithSourced(fields ...SourcedField) Option {
	return func(q *Query) {
		q.sourced = append(q.sourced, fields...)
	}
}

func WithLogger(l types.Logger) Option {
	return func(q *Query) {
		if l != nil {
			q.logger = l
		}
	}
}

// Query is a reusable, parameterized remote operation resolved through an
// ordered chain of data sources. The remote operation itself is always the last
// source of the chain.
type Query struct {
	sid                  string
	name                 string
	paramsAreMeaningless bool
	sourced              []SourcedField
	chain                *Chain
	logger               types.Logger

	start   *signal.Event[interface{}]
	refresh *signal.Event[interface{}]
	success *signal.Event[FinishedSuccess]
	failure *signal.Event[FinishedFailure]
	forced  *signal.Event[ForcedInvocation]

	data    *signal.Store[interface{}]
	err     *signal.Store[error]
	stale   *signal.Store[bool]
	pending *signal.Store[bool]
}

func New(sid string, handler Handler, opts ...Option) (*Query, error) {
	if sid == "" {
		return nil, types.ErrQuerySIDEmpty
	}

	if handler == nil {
		return nil, types.ErrQueryHandlerNil
	}

	q := &Query{
		sid:     sid,
		name:    sid,
		logger:  logger.NewNop(),
		start:   signal.NewEvent[interface{}](),
		refresh: signal.NewEvent[interface{}](),
		success: signal.NewEvent[FinishedSuccess](),
		failure: signal.NewEvent[FinishedFailure](),
		forced:  signal.NewEvent[ForcedInvocation](),
		data:    signal.NewStore[interface{}](nil),
		err:     signal.NewStore[error](nil),
		stale:   signal.NewStore(false),
		pending: signal.NewStore(false),
	}

	for _, opt := range opts {
		opt(q)
	}

	q.chain = NewChain(&remoteSource{handler: handler})

	return q, nil
}

func (q *Query) SID() string {
	return q.sid
}

func (q *Query) Name() string {
	return q.name
}

func (q *Query) ParamsAreMeaningless() bool {
	return q.paramsAreMeaningless
}

func (q *Query) Sourced() []SourcedField {
	sourced := make([]SourcedField, len(q.sourced))
	copy(sourced, q.sourced)
	return sourced
}

// DataSources is the chain consulted on every start and refresh.
func (q *Query) DataSources() *Chain {
	return q.chain
}

func (q *Query) Started() signal.Subscribable[interface{}] {
	return q.start
}

func (q *Query) Refreshed() signal.Subscribable[interface{}] {
	return q.refresh
}

func (q *Query) Succeeded() signal.Subscribable[FinishedSuccess] {
	return q.success
}

func (q *Query) Failed() signal.Subscribable[FinishedFailure] {
	return q.failure
}

func (q *Query) Forced() signal.Subscribable[ForcedInvocation] {
	return q.forced
}

// Data holds the latest result, including stale results served while a fresh
// one is being resolved.
func (q *Query) Data() signal.Readable[interface{}] {
	return q.data
}

func (q *Query) Error() signal.Readable[error] {
	return q.err
}

func (q *Query) Stale() signal.Readable[bool] {
	return q.stale
}

func (q *Query) Pending() signal.Readable[bool] {
	return q.pending
}

// Start resolves params through the data source chain.
func (q *Query) Start(ctx context.Context, params interface{}) (interface{}, error) {
	q.start.Emit(params)
	return q.run(ctx, params)
}

// Refresh resolves params again, typically after a stale answer was served.
func (q *Query) Refresh(ctx context.Context, params interface{}) (interface{}, error) {
	q.refresh.Emit(params)
	return q.run(ctx, params)
}

// Force discards whatever is stored for params before resolving them.
func (q *Query) Force(ctx context.Context, params interface{}) (interface{}, error) {
	return q.ForceWithKey(ctx, params, "")
}

// ForceWithKey is Force for callers that already know the cache key of params.
func (q *Query) ForceWithKey(ctx context.Context, params interface{}, key string) (interface{}, error) {
	q.forced.Emit(ForcedInvocation{Params: params, Key: key})
	q.start.Emit(params)
	return q.run(ctx, params)
}

func (q *Query) run(ctx context.Context, params interface{}) (interface{}, error) {
	q.pending.Set(true)
	defer q.pending.Set(false)

	resolution, err := q.chain.Resolve(ctx, params, func(source DataSource, answer *Answer) {
		q.logger.Debug("Serving stale result",
			zap.String("query", q.name),
			zap.String("source", source.Name()))

		q.stale.Set(true)
		q.data.Set(answer.Result)
	})
	if err != nil {
		return nil, q.fail(params, err)
	}

	if resolution.Answer == nil {
		return nil, q.fail(params, types.ErrNoDataSourceAnswered)
	}

	result := resolution.Answer.Result

	q.err.Set(nil)
	q.stale.Set(false)
	q.data.Set(result)

	q.logger.Debug("Query finished",
		zap.String("query", q.name),
		zap.String("source", resolution.Source.Name()))

	q.success.Emit(FinishedSuccess{
		Params: params,
		Result: result,
		Source: resolution.Source.Name(),
	})

	if err := q.chain.Fill(ctx, params, result, resolution.Source); err != nil {
		q.logger.Warn("Failed to store query result",
			zap.String("query", q.name),
			zap.Error(err))
	}

	return result, nil
}

func (q *Query) fail(params interface{}, err error) error {
	q.logger.Debug("Query failed", zap.String("query", q.name), zap.Error(err))

	q.err.Set(err)
	q.failure.Emit(FinishedFailure{Params: params, Error: err})

	return err
}

type remoteSource struct {
	handler Handler
}

func (r *remoteSource) Name() string {
	return RemoteSourceName
}

func (r *remoteSource) Get(ctx context.Context, params interface{}) (*Answer, error) {
	result, err := r.handler(ctx, params)
	if err != nil {
		return nil, err
	}
	return &Answer{Result: result}, nil
}

func (r *remoteSource) Set(context.Context, interface{}, interface{}) error {
	return nil
}
