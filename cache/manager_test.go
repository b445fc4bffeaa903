package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/metrics"
	"github.com/saiset-co/sai-query-cache/types"
)

func TestNewAdapter_Types(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := map[string]struct {
		config *types.CacheConfig
		check  func(t *testing.T, instance types.CacheAdapterInstance)
	}{
		"default": {
			config: &types.CacheConfig{},
			check: func(t *testing.T, instance types.CacheAdapterInstance) {
				assert.IsType(t, &MemoryAdapter{}, instance)
			},
		},
		"memory": {
			config: &types.CacheConfig{
				Type:   "memory",
				Config: map[string]interface{}{"max_entries": 5, "max_age": "1h"},
			},
			check: func(t *testing.T, instance types.CacheAdapterInstance) {
				m := instance.(*MemoryAdapter)
				assert.Equal(t, 5, m.config.MaxEntries)
			},
		},
		"redis": {
			config: &types.CacheConfig{
				Type:   "redis",
				Config: map[string]interface{}{"addr": mr.Addr(), "key_prefix": "test"},
			},
			check: func(t *testing.T, instance types.CacheAdapterInstance) {
				r := instance.(*RedisAdapter)
				assert.Equal(t, "test", r.config.KeyPrefix)
			},
		},
		"clover": {
			config: &types.CacheConfig{Type: "clover"},
			check: func(t *testing.T, instance types.CacheAdapterInstance) {
				c := instance.(*CloverAdapter)
				assert.Equal(t, "query_cache", c.config.Collection)
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			adapter, err := NewAdapter(ctx, tc.config, logger.NewNop(), nil, nil)
			require.NoError(t, err)
			tc.check(t, adapter.Instance())
		})
	}
}

func TestNewAdapter_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewAdapter(ctx, nil, logger.NewNop(), nil, nil)
	assert.ErrorIs(t, err, types.ErrConfigIsNil)

	_, err = NewAdapter(ctx, &types.CacheConfig{Type: "memcached"}, logger.NewNop(), nil, nil)
	assert.ErrorIs(t, err, types.ErrCacheTypeUnknown)
}

func TestNewAdapter_Custom(t *testing.T) {
	storageErr := errors.New("custom")

	RegisterAdapter("failing", func(config interface{}) (types.CacheAdapterInstance, error) {
		return &failingInstance{err: storageErr}, nil
	})

	adapter, err := NewAdapter(context.Background(), &types.CacheConfig{Type: "failing"}, logger.NewNop(), nil, nil)
	require.NoError(t, err)

	_, err = adapter.Instance().Get(context.Background(), "k")
	assert.ErrorIs(t, err, storageErr)
}

func TestRegisterAdapter_Concurrent(t *testing.T) {
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("concurrent-%d", i)

		wg.Add(2)
		go func() {
			defer wg.Done()
			RegisterAdapter(name, func(interface{}) (types.CacheAdapterInstance, error) {
				return NewMemoryAdapter(nil), nil
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = NewAdapter(context.Background(), &types.CacheConfig{Type: name}, logger.NewNop(), nil, nil)
		}()
	}

	wg.Wait()

	adapter, err := NewAdapter(context.Background(), &types.CacheConfig{Type: "concurrent-0"}, logger.NewNop(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, adapter.Instance())
}

func TestNewAdapter_Instrumented(t *testing.T) {
	ctx := context.Background()

	pm, err := metrics.NewPrometheusMetrics(ctx, logger.NewNop(), &types.MetricsConfig{Enabled: true, Type: "prometheus"}, nil)
	require.NoError(t, err)

	adapter, err := NewAdapter(ctx, &types.CacheConfig{Type: "memory"}, logger.NewNop(), pm, nil)
	require.NoError(t, err)

	instrumented, ok := adapter.Instance().(*instrumentedInstance)
	require.True(t, ok)
	assert.IsType(t, &MemoryAdapter{}, instrumented.Unwrap())

	instance := adapter.Instance()
	_, err = instance.Get(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, instance.Set(ctx, "k", 1))
	_, err = instance.Get(ctx, "k")
	require.NoError(t, err)

	counter := func(operation, result string) float64 {
		return pm.Counter("adapter_operations_total", map[string]string{
			"adapter":   "memory",
			"operation": operation,
			"result":    result,
		}).Get()
	}

	assert.Equal(t, float64(1), counter("get", "miss"))
	assert.Equal(t, float64(1), counter("get", "hit"))
	assert.Equal(t, float64(1), counter("set", "success"))

	require.NoError(t, adapter.Start())
	assert.True(t, adapter.IsRunning())
	require.NoError(t, adapter.Stop())
}

func TestCache_LookupMetrics(t *testing.T) {
	ctx := context.Background()

	pm, err := metrics.NewPrometheusMetrics(ctx, logger.NewNop(), &types.MetricsConfig{Enabled: true, Type: "prometheus"}, nil)
	require.NoError(t, err)

	var calls int
	q, _ := newCachedQuery(t, &calls, nil, WithMetrics(pm))

	_, err = q.Start(ctx, "p")
	require.NoError(t, err)
	_, err = q.Start(ctx, "p")
	require.NoError(t, err)

	lookups := func(result string) float64 {
		return pm.Counter("lookups_total", map[string]string{"sid": "users", "result": result}).Get()
	}

	assert.Equal(t, float64(1), lookups("miss"))
	assert.Equal(t, float64(1), lookups("stale"))
}
