package cache

import (
	"time"

	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/signal"
	"github.com/saiset-co/sai-query-cache/types"
)

// Adapter is the reference cell through which the decorator reaches its storage.
// The instance behind it may be swapped at any time; every operation reads the
// current one.
type Adapter struct {
	ref *signal.Ref[types.CacheAdapterInstance]
}

func Wrap(instance types.CacheAdapterInstance) *Adapter {
	return &Adapter{ref: signal.NewRef(instance)}
}

// InMemory is the default adapter: an unbounded in-process store.
func InMemory(opts ...AdapterOption) *Adapter {
	return Wrap(NewMemoryAdapter(nil, opts...))
}

func (a *Adapter) Instance() types.CacheAdapterInstance {
	return a.ref.Load()
}

// Swap replaces the live instance and returns the previous one. The previous
// instance is not stopped.
func (a *Adapter) Swap(instance types.CacheAdapterInstance) (types.CacheAdapterInstance, error) {
	if instance == nil {
		return nil, types.ErrCacheAdapterNil
	}
	return a.ref.Swap(instance), nil
}

func (a *Adapter) Start() error {
	if lifecycle, ok := a.Instance().(types.LifecycleManager); ok && !lifecycle.IsRunning() {
		return lifecycle.Start()
	}
	return nil
}

func (a *Adapter) Stop() error {
	if lifecycle, ok := a.Instance().(types.LifecycleManager); ok && lifecycle.IsRunning() {
		return lifecycle.Stop()
	}
	return nil
}

func (a *Adapter) IsRunning() bool {
	if lifecycle, ok := a.Instance().(types.LifecycleManager); ok {
		return lifecycle.IsRunning()
	}
	return true
}

type AdapterOption func(o *adapterOptions)

type adapterOptions struct {
	logger types.Logger
	health types.HealthManager
	now    func() time.Time
}

func newAdapterOptions(opts []AdapterOption) *adapterOptions {
	o := &adapterOptions{
		logger: logger.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func WithAdapterLogger(l types.Logger) AdapterOption {
	return func(o *adapterOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHealth registers the adapter's checker on health.
func WithHealth(health types.HealthManager) AdapterOption {
	return func(o *adapterOptions) {
		o.health = health
	}
}

// WithClock sets the clock used to stamp CachedAt.
func WithClock(now func() time.Time) AdapterOption {
	return func(o *adapterOptions) {
		if now != nil {
			o.now = now
		}
	}
}
