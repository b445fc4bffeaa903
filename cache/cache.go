// Package cache stores query results in a pluggable adapter and serves them back
// on later invocations with the same identity.
//
// A decorator installed with Cache becomes the first data source of its query.
// On every start it derives the invocation key from the query sid, the params
// and the resolved source fields, and answers from the adapter when an entry
// exists. Entries older than the stale-after window are still served, flagged
// stale, so the remote operation runs and overwrites them. Results produced by
// any other source are written back under a key derived again at that moment.
//
// Forced invocations evict their own key; the optional purge signal clears the
// whole adapter.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/query"
	"github.com/saiset-co/sai-query-cache/signal"
	"github.com/saiset-co/sai-query-cache/types"
)

// SourceName is the name the decorator's data source carries in the chain.
const SourceName = "cache"

const defaultOperationTimeout = 10 * time.Second

// Cacheable is what the decorator needs from a query.
type Cacheable interface {
	SID() string
	ParamsAreMeaningless() bool
	Sourced() []query.SourcedField
	Forced() signal.Subscribable[query.ForcedInvocation]
	DataSources() *query.Chain
}

type Option func(d *Decorator) error

func WithAdapter(adapter types.CacheAdapter) Option {
	return func(d *Decorator) error {
		if adapter == nil {
			return types.ErrCacheAdapterNil
		}
		d.adapter = adapter
		return nil
	}
}

// WithStaleAfter sets the freshness window. Zero keeps every entry stale.
func WithStaleAfter(staleAfter time.Duration) Option {
	return func(d *Decorator) error {
		if staleAfter < 0 {
			return types.Errorf(types.ErrTimeInvalid, "negative stale after %s", staleAfter)
		}
		d.staleAfter = staleAfter
		return nil
	}
}

// WithStaleAfterString is WithStaleAfter for strings like "5min" or "1h 30m".
func WithStaleAfterString(staleAfter string) Option {
	return func(d *Decorator) error {
		parsed, err := ParseTime(staleAfter)
		if err != nil {
			return err
		}
		d.staleAfter = parsed
		return nil
	}
}

// WithPurge clears the whole adapter on every emission of purge.
func WithPurge(purge signal.Subscribable[struct{}]) Option {
	return func(d *Decorator) error {
		d.purge = purge
		return nil
	}
}

func WithLogger(l types.Logger) Option {
	return func(d *Decorator) error {
		if l != nil {
			d.logger = l
		}
		return nil
	}
}

func WithMetrics(metrics types.MetricsManager) Option {
	return func(d *Decorator) error {
		d.metrics = metrics
		return nil
	}
}

// WithNow sets the clock staleness is evaluated against.
func WithNow(now func() time.Time) Option {
	return func(d *Decorator) error {
		if now != nil {
			d.now = now
		}
		return nil
	}
}

// WithTimeout bounds the purge and unset calls, which run without a caller context.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Decorator) error {
		if timeout > 0 {
			d.timeout = timeout
		}
		return nil
	}
}

type Decorator struct {
	query      Cacheable
	adapter    types.CacheAdapter
	staleAfter time.Duration
	purge      signal.Subscribable[struct{}]
	logger     types.Logger
	metrics    types.MetricsManager
	now        func() time.Time
	timeout    time.Duration

	source        *dataSource
	failures      *signal.Event[error]
	unsubscribers []signal.Unsubscribe
	closeOnce     sync.Once
}

// Cache installs a caching data source at the head of q's chain. Without
// WithAdapter an unbounded in-memory adapter is used.
func Cache(q Cacheable, opts ...Option) (*Decorator, error) {
	if q == nil {
		return nil, types.ErrQueryIsNil
	}

	d := &Decorator{
		query:    q,
		logger:   logger.NewNop(),
		now:      time.Now,
		timeout:  defaultOperationTimeout,
		failures: signal.NewEvent[error](),
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}

	if d.adapter == nil {
		d.adapter = InMemory()
	}

	d.source = &dataSource{decorator: d}
	q.DataSources().Prepend(d.source)

	if d.purge != nil {
		d.unsubscribers = append(d.unsubscribers, d.purge.Subscribe(func(struct{}) {
			d.purgeAll()
		}))
	}

	d.unsubscribers = append(d.unsubscribers, q.Forced().Subscribe(d.evict))

	d.logger.Debug("Cache installed",
		zap.String("sid", q.SID()),
		zap.Duration("stale_after", d.staleAfter),
		zap.Bool("purge", d.purge != nil))

	return d, nil
}

// Key derives the cache key of params from the current source snapshot.
func (d *Decorator) Key(params interface{}) (string, bool) {
	sources, ok := ResolveSources(d.query.Sourced(), params)
	if !ok {
		return "", false
	}

	if d.query.ParamsAreMeaningless() {
		params = nil
	}

	return BuildKey(d.query.SID(), params, sources)
}

func (d *Decorator) StaleAfter() time.Duration {
	return d.staleAfter
}

func (d *Decorator) Adapter() types.CacheAdapter {
	return d.adapter
}

// Failures publishes write, purge and unset errors. Read errors fail the query
// run instead.
func (d *Decorator) Failures() signal.Subscribable[error] {
	return d.failures
}

// Close detaches the decorator from its query and from the purge signal.
// Entries already written stay in the adapter.
func (d *Decorator) Close() {
	d.closeOnce.Do(func() {
		for _, unsubscribe := range d.unsubscribers {
			unsubscribe()
		}
		d.query.DataSources().Remove(d.source)
	})
}

// Purge clears the whole adapter behind the decorator. Errors go to Failures.
func (d *Decorator) Purge() {
	d.purgeAll()
}

func (d *Decorator) purgeAll() {
	instance := d.adapter.Instance()
	if instance == nil {
		d.fail(errors.WithStack(types.ErrCacheAdapterNil))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := instance.Purge(ctx); err != nil {
		d.fail(errors.Wrapf(err, "failed to purge cache of %s", d.query.SID()))
		return
	}

	d.logger.Debug("Cache purged", zap.String("sid", d.query.SID()))
}

func (d *Decorator) evict(invocation query.ForcedInvocation) {
	key := invocation.Key
	if key == "" {
		derived, ok := d.Key(invocation.Params)
		if !ok {
			d.logger.Debug("Forced invocation without key skipped", zap.String("sid", d.query.SID()))
			return
		}
		key = derived
	}

	instance := d.adapter.Instance()
	if instance == nil {
		d.fail(errors.WithStack(types.ErrCacheAdapterNil))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := instance.Unset(ctx, key); err != nil {
		d.fail(errors.Wrapf(err, "failed to unset cache key %s of %s", key, d.query.SID()))
		return
	}

	d.logger.Debug("Cache entry evicted", zap.String("sid", d.query.SID()), zap.String("key", key))
}

func (d *Decorator) fail(err error) {
	d.logger.ErrorWithErrStack("Cache operation failed", err, zap.String("sid", d.query.SID()))
	d.failures.Emit(err)
}

func (d *Decorator) recordLookup(result string) {
	if d.metrics == nil {
		return
	}

	d.metrics.Counter("lookups_total", map[string]string{
		"sid":    d.query.SID(),
		"result": result,
	}).Inc()
}

type dataSource struct {
	decorator *Decorator
}

func (s *dataSource) Name() string {
	return SourceName
}

// Get reads the live adapter once. Not being able to derive a key and a missing
// entry both decline without error.
func (s *dataSource) Get(ctx context.Context, params interface{}) (*query.Answer, error) {
	d := s.decorator

	instance := d.adapter.Instance()
	if instance == nil {
		return nil, errors.WithStack(types.ErrCacheAdapterNil)
	}

	key, ok := d.Key(params)
	if !ok {
		d.recordLookup("nokey")
		return nil, nil
	}

	entry, err := instance.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read cache of %s", d.query.SID())
	}

	if entry == nil {
		d.recordLookup("miss")
		return nil, nil
	}

	stale := IsStale(entry.CachedAt, d.staleAfter, d.now())
	if stale {
		d.recordLookup("stale")
	} else {
		d.recordLookup("hit")
	}

	d.logger.Debug("Cache hit",
		zap.String("sid", d.query.SID()),
		zap.String("key", key),
		zap.Bool("stale", stale))

	return &query.Answer{Result: entry.Value, Stale: stale}, nil
}

// Set writes result under the key derived from the snapshot at completion time.
// It runs after the query already succeeded, so a failed write is published on
// Failures and the entry simply stays missing.
func (s *dataSource) Set(ctx context.Context, params interface{}, result interface{}) error {
	d := s.decorator

	key, ok := d.Key(params)
	if !ok {
		return nil
	}

	instance := d.adapter.Instance()
	if instance == nil {
		d.fail(errors.WithStack(types.ErrCacheAdapterNil))
		return nil
	}

	if err := instance.Set(ctx, key, result); err != nil {
		d.fail(errors.Wrapf(err, "failed to write cache key %s of %s", key, d.query.SID()))
	}

	return nil
}
