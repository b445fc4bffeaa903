package cache

import (
	"context"
	"sync"
	"time"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

var (
	customAdapterCreators   = make(map[string]types.CacheAdapterCreator)
	customAdapterCreatorsMu sync.RWMutex
)

// RegisterAdapter makes a custom adapter type available to NewAdapter.
func RegisterAdapter(adapterName string, creator types.CacheAdapterCreator) {
	customAdapterCreatorsMu.Lock()
	defer customAdapterCreatorsMu.Unlock()

	customAdapterCreators[adapterName] = creator
}

func lookupAdapterCreator(adapterName string) (types.CacheAdapterCreator, bool) {
	customAdapterCreatorsMu.RLock()
	defer customAdapterCreatorsMu.RUnlock()

	creator, exists := customAdapterCreators[adapterName]
	return creator, exists
}

// NewAdapter builds the adapter selected by config.Type. The instance is wrapped
// so that every operation is counted and timed on metrics.
func NewAdapter(ctx context.Context, config *types.CacheConfig, logger types.Logger, metrics types.MetricsManager, health types.HealthManager, opts ...AdapterOption) (*Adapter, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	opts = append([]AdapterOption{WithAdapterLogger(logger), WithHealth(health)}, opts...)

	var impl types.CacheAdapterInstance
	var err error

	switch config.Type {
	case "", "memory":
		memoryConfig := &MemoryConfig{}
		if config.Config != nil {
			if err := utils.UnmarshalConfig(config.Config, memoryConfig); err != nil {
				return nil, types.WrapError(err, "failed to unmarshal memory cache config")
			}
		}
		impl = NewMemoryAdapter(memoryConfig, opts...)
	case "redis":
		redisConfig := DefaultRedisConfig()
		if config.Config != nil {
			if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
				return nil, types.WrapError(err, "failed to unmarshal redis cache config")
			}
		}
		impl, err = NewRedisAdapter(ctx, redisConfig, opts...)
	case "clover":
		cloverConfig := &CloverConfig{}
		if config.Config != nil {
			if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
				return nil, types.WrapError(err, "failed to unmarshal clover cache config")
			}
		}
		impl, err = NewCloverAdapter(cloverConfig, opts...)
	default:
		creator, exists := lookupAdapterCreator(config.Type)
		if !exists {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", config.Type)
		}
		impl, err = creator(config.Config)
	}

	if err != nil {
		return nil, err
	}

	if impl == nil {
		return nil, types.Errorf(types.ErrCacheAdapterNil, "type: %s", config.Type)
	}

	if metrics != nil {
		impl = newInstrumentedInstance(config.Type, metrics, impl)
	}

	return Wrap(impl), nil
}

type instrumentedInstance struct {
	impl    types.CacheAdapterInstance
	kind    string
	metrics types.MetricsManager
}

func newInstrumentedInstance(kind string, metrics types.MetricsManager, impl types.CacheAdapterInstance) *instrumentedInstance {
	if kind == "" {
		kind = "memory"
	}

	return &instrumentedInstance{
		impl:    impl,
		kind:    kind,
		metrics: metrics,
	}
}

func (ii *instrumentedInstance) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	start := time.Now()
	entry, err := ii.impl.Get(ctx, key)

	result := "hit"
	switch {
	case err != nil:
		result = "error"
	case entry == nil:
		result = "miss"
	}

	ii.recordMetric("get", result, time.Since(start))
	return entry, err
}

func (ii *instrumentedInstance) Set(ctx context.Context, key string, value interface{}) error {
	start := time.Now()
	err := ii.impl.Set(ctx, key, value)
	ii.recordMetric("set", resultOf(err), time.Since(start))
	return err
}

func (ii *instrumentedInstance) Unset(ctx context.Context, key string) error {
	start := time.Now()
	err := ii.impl.Unset(ctx, key)
	ii.recordMetric("unset", resultOf(err), time.Since(start))
	return err
}

func (ii *instrumentedInstance) Purge(ctx context.Context) error {
	start := time.Now()
	err := ii.impl.Purge(ctx)
	ii.recordMetric("purge", resultOf(err), time.Since(start))
	return err
}

func (ii *instrumentedInstance) Start() error {
	if lifecycle, ok := ii.impl.(types.LifecycleManager); ok {
		return lifecycle.Start()
	}
	return nil
}

func (ii *instrumentedInstance) Stop() error {
	if lifecycle, ok := ii.impl.(types.LifecycleManager); ok {
		return lifecycle.Stop()
	}
	return nil
}

func (ii *instrumentedInstance) IsRunning() bool {
	if lifecycle, ok := ii.impl.(types.LifecycleManager); ok {
		return lifecycle.IsRunning()
	}
	return false
}

// Unwrap returns the adapter the metrics are recorded for.
func (ii *instrumentedInstance) Unwrap() types.CacheAdapterInstance {
	return ii.impl
}

func (ii *instrumentedInstance) recordMetric(operation, result string, duration time.Duration) {
	ii.metrics.Counter("adapter_operations_total", map[string]string{
		"adapter":   ii.kind,
		"operation": operation,
		"result":    result,
	}).Inc()

	ii.metrics.Histogram("adapter_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"adapter": ii.kind, "operation": operation},
	).Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
