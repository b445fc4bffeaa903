package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

const (
	cloverFieldID       = "internal_id"
	cloverFieldKey      = "key"
	cloverFieldValue    = "value"
	cloverFieldCachedAt = "cached_at"
)

// CloverConfig configures the embedded document store adapter. An empty Path
// keeps the database in memory.
type CloverConfig struct {
	Path       string `yaml:"path" json:"path"`
	Collection string `yaml:"collection" json:"collection"`
}

// CloverAdapter persists entries in a clover collection, one document per key.
// Values are stored JSON encoded, so they come back as generic JSON values.
type CloverAdapter struct {
	db      *clover.DB
	config  *CloverConfig
	logger  types.Logger
	now     func() time.Time
	reads   singleflight.Group
	writeMu sync.Mutex
	started int32
}

func NewCloverAdapter(config *CloverConfig, opts ...AdapterOption) (*CloverAdapter, error) {
	if config == nil {
		config = &CloverConfig{}
	}

	if config.Collection == "" {
		config.Collection = "query_cache"
	}

	options := newAdapterOptions(opts)

	var db *clover.DB
	var err error

	if config.Path == "" {
		db, err = clover.Open("", clover.InMemoryMode(true))
	} else {
		db, err = clover.Open(config.Path)
	}
	if err != nil {
		return nil, types.Errorf(types.ErrCacheConnectionFailed, "open clover: %v", err)
	}

	exists, err := db.HasCollection(config.Collection)
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err := db.CreateCollection(config.Collection); err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	c := &CloverAdapter{
		db:     db,
		config: config,
		logger: options.logger,
		now:    options.now,
	}

	if options.health != nil {
		options.health.RegisterChecker("cache.clover", c.healthCheck)
	}

	return c, nil
}

func (c *CloverAdapter) Get(_ context.Context, key string) (*types.CacheEntry, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}

	result, err, _ := c.reads.Do(key, func() (interface{}, error) {
		doc, err := c.byKey(key).FindFirst()
		if err != nil {
			return nil, types.Errorf(types.ErrCacheOperationFailed, "find %s: %v", key, err)
		}

		if doc == nil {
			return nil, nil
		}

		entry, err := decodeCloverEntry(doc)
		if err != nil {
			c.logger.Warn("Dropping corrupted cache entry", zap.String("key", key), zap.Error(err))
			_ = c.byKey(key).Delete()
			return nil, nil
		}

		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	entry, _ := result.(*types.CacheEntry)
	if entry == nil {
		return nil, nil
	}

	found := *entry
	return &found, nil
}

// Set replaces the document of key. Writes are serialized so a key never holds
// more than one document.
func (c *CloverAdapter) Set(_ context.Context, key string, value interface{}) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	encoded, err := utils.Marshal(value)
	if err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "encode %s: %v", key, err)
	}

	doc := clover.NewDocument()
	doc.Set(cloverFieldID, uuid.NewString())
	doc.Set(cloverFieldKey, key)
	doc.Set(cloverFieldValue, string(encoded))
	doc.Set(cloverFieldCachedAt, c.now().UTC().Format(time.RFC3339Nano))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.byKey(key).Delete(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "replace %s: %v", key, err)
	}

	if err := c.db.Insert(c.config.Collection, doc); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "insert %s: %v", key, err)
	}

	return nil
}

func (c *CloverAdapter) Unset(_ context.Context, key string) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.byKey(key).Delete(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "delete %s: %v", key, err)
	}

	return nil
}

func (c *CloverAdapter) Purge(_ context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.db.Query(c.config.Collection).Delete(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "purge: %v", err)
	}

	c.logger.Debug("Clover cache purged", zap.String("collection", c.config.Collection))
	return nil
}

func (c *CloverAdapter) Count() (int, error) {
	return c.db.Query(c.config.Collection).Count()
}

func (c *CloverAdapter) Start() error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return types.ErrServiceIsRunning
	}

	c.logger.Debug("Clover cache started", zap.String("path", c.config.Path))
	return nil
}

// Stop closes the database. The adapter cannot be used afterwards.
func (c *CloverAdapter) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.started, 1, 0) {
		return types.ErrServiceIsNotRunning
	}

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover database")
	}

	c.logger.Debug("Clover cache closed")
	return nil
}

func (c *CloverAdapter) IsRunning() bool {
	return atomic.LoadInt32(&c.started) == 1
}

func (c *CloverAdapter) byKey(key string) *clover.Query {
	return c.db.Query(c.config.Collection).Where(clover.Field(cloverFieldKey).Eq(key))
}

func (c *CloverAdapter) healthCheck(context.Context) types.HealthCheck {
	count, err := c.Count()
	if err != nil {
		return types.HealthCheck{
			Status:  types.StatusUnhealthy,
			Message: err.Error(),
		}
	}

	return types.HealthCheck{
		Status:  types.StatusHealthy,
		Details: map[string]interface{}{"entries": count},
	}
}

func decodeCloverEntry(doc *clover.Document) (*types.CacheEntry, error) {
	rawValue, ok := doc.Get(cloverFieldValue).(string)
	if !ok {
		return nil, types.Errorf(types.ErrCacheEntryCorrupted, "field %s", cloverFieldValue)
	}

	rawCachedAt, ok := doc.Get(cloverFieldCachedAt).(string)
	if !ok {
		return nil, types.Errorf(types.ErrCacheEntryCorrupted, "field %s", cloverFieldCachedAt)
	}

	cachedAt, err := time.Parse(time.RFC3339Nano, rawCachedAt)
	if err != nil {
		return nil, types.Errorf(types.ErrCacheEntryCorrupted, "field %s: %v", cloverFieldCachedAt, err)
	}

	var value interface{}
	if err := utils.Unmarshal([]byte(rawValue), &value); err != nil {
		return nil, types.Errorf(types.ErrCacheEntryCorrupted, "field %s: %v", cloverFieldValue, err)
	}

	return &types.CacheEntry{Value: value, CachedAt: cachedAt}, nil
}
