package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

const redisScanBatch = 100

// RedisConfig configures the redis adapter. Addr takes precedence over Host and
// Port. TTL, when set, lets redis expire entries on its own.
type RedisConfig struct {
	Addr               string   `yaml:"addr" json:"addr"`
	Host               string   `yaml:"host" json:"host"`
	Port               int      `yaml:"port" json:"port"`
	Password           string   `yaml:"password" json:"password"`
	DB                 int      `yaml:"db" json:"db"`
	PoolSize           int      `yaml:"pool_size" json:"pool_size"`
	MinIdleConnections int      `yaml:"min_idle_connections" json:"min_idle_connections"`
	DialTimeout        Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout        Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout" json:"write_timeout"`
	KeyPrefix          string   `yaml:"key_prefix" json:"key_prefix"`
	TTL                Duration `yaml:"ttl" json:"ttl"`
}

func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        Duration(5 * time.Second),
		ReadTimeout:        Duration(3 * time.Second),
		WriteTimeout:       Duration(3 * time.Second),
		KeyPrefix:          "query-cache",
	}
}

type RedisAdapter struct {
	config  *RedisConfig
	logger  types.Logger
	now     func() time.Time
	client  *redis.Client
	reads   singleflight.Group
	started int32
}

func NewRedisAdapter(ctx context.Context, config *RedisConfig, opts ...AdapterOption) (*RedisAdapter, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	options := newAdapterOptions(opts)

	r := &RedisAdapter{
		config: config,
		logger: options.logger,
		now:    options.now,
		client: redis.NewClient(&redis.Options{
			Addr:         config.address(),
			Password:     config.Password,
			DB:           config.DB,
			PoolSize:     config.PoolSize,
			MinIdleConns: config.MinIdleConnections,
			DialTimeout:  config.DialTimeout.Std(),
			ReadTimeout:  config.ReadTimeout.Std(),
			WriteTimeout: config.WriteTimeout.Std(),
		}),
	}

	if err := r.ping(ctx); err != nil {
		_ = r.client.Close()
		return nil, types.Errorf(types.ErrCacheConnectionFailed, "%s: %v", config.address(), err)
	}

	if options.health != nil {
		options.health.RegisterChecker("cache.redis", r.healthCheck)
	}

	return r, nil
}

func (c *RedisConfig) address() string {
	if c.Addr != "" {
		return c.Addr
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Get collapses concurrent reads of one key into a single round trip. The shared
// round trip is detached from the callers' cancellation; each caller only stops
// waiting for it when its own ctx is done. A corrupted entry is removed and
// reported as a miss.
func (r *RedisAdapter) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullKey := r.buildFullKey(key)

	flight := r.reads.DoChan(fullKey, func() (interface{}, error) {
		readCtx, cancel := r.readContext(ctx)
		defer cancel()

		data, err := r.client.Get(readCtx, fullKey).Bytes()
		if err != nil {
			if types.IsError(err, redis.Nil) {
				return nil, nil
			}
			return nil, types.Errorf(types.ErrCacheOperationFailed, "get %s: %v", key, err)
		}

		var entry types.CacheEntry
		if err := utils.Unmarshal(data, &entry); err != nil {
			r.logger.Warn("Dropping corrupted cache entry", zap.String("key", key), zap.Error(err))
			r.client.Del(readCtx, fullKey)
			return nil, nil
		}

		return &entry, nil
	})

	var result interface{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		result = res.Val
	}

	entry, _ := result.(*types.CacheEntry)
	if entry == nil {
		return nil, nil
	}

	found := *entry
	return &found, nil
}

func (r *RedisAdapter) Set(ctx context.Context, key string, value interface{}) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := utils.Marshal(&types.CacheEntry{
		Value:    value,
		CachedAt: r.now(),
	})
	if err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "encode %s: %v", key, err)
	}

	if err := r.client.Set(ctx, r.buildFullKey(key), data, r.config.TTL.Std()).Err(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "set %s: %v", key, err)
	}

	return nil
}

func (r *RedisAdapter) Unset(ctx context.Context, key string) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if err := r.client.Del(ctx, r.buildFullKey(key)).Err(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "delete %s: %v", key, err)
	}

	return nil
}

// Purge deletes every key under the configured prefix. Batches found by the scan
// are deleted concurrently.
func (r *RedisAdapter) Purge(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var deleted int64
	iter := r.client.Scan(ctx, 0, r.buildFullKey("*"), redisScanBatch).Iterator()

	batch := make([]string, 0, redisScanBatch)
	flush := func(keys []string) {
		g.Go(func() error {
			n, err := r.client.Del(gCtx, keys...).Result()
			atomic.AddInt64(&deleted, n)
			return err
		})
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == redisScanBatch {
			flush(batch)
			batch = make([]string, 0, redisScanBatch)
		}
	}

	if len(batch) > 0 {
		flush(batch)
	}

	waitErr := g.Wait()

	if err := iter.Err(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "scan: %v", err)
	}

	if waitErr != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "purge: %v", waitErr)
	}

	r.logger.Debug("Redis cache purged",
		zap.String("prefix", r.config.KeyPrefix),
		zap.Int64("deleted", atomic.LoadInt64(&deleted)))

	return nil
}

func (r *RedisAdapter) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServiceIsRunning
	}

	r.logger.Debug("Redis cache started", zap.String("addr", r.config.address()))
	return nil
}

// Stop closes the client. The adapter cannot be used afterwards.
func (r *RedisAdapter) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServiceIsNotRunning
	}

	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Debug("Redis cache closed")
	return nil
}

func (r *RedisAdapter) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisAdapter) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(pingCtx).Err()
}

func (r *RedisAdapter) healthCheck(ctx context.Context) types.HealthCheck {
	if err := r.ping(ctx); err != nil {
		return types.HealthCheck{
			Status:  types.StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return types.HealthCheck{
		Status:  types.StatusHealthy,
		Details: map[string]interface{}{"addr": r.config.address()},
	}
}

func (r *RedisAdapter) readContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if timeout := r.config.ReadTimeout.Std(); timeout > 0 {
		return context.WithTimeout(detached, timeout)
	}
	return context.WithCancel(detached)
}

func (r *RedisAdapter) buildFullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:%s", r.config.KeyPrefix, key)
	}
	return key
}
