package types

import (
	"context"
	"time"
)

// CacheAdapterInstance is the storage capability consulted by the cache decorator.
// Get returns a nil entry and a nil error on a miss.
type CacheAdapterInstance interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, value interface{}) error
	Unset(ctx context.Context, key string) error
	Purge(ctx context.Context) error
}

// CacheAdapter resolves the live instance at call time. The instance may change
// identity over the process lifetime, so callers must not hold on to it.
type CacheAdapter interface {
	Instance() CacheAdapterInstance
}

type CacheAdapterCreator func(config interface{}) (CacheAdapterInstance, error)

type CacheEntry struct {
	Value    interface{} `json:"value"`
	CachedAt time.Time   `json:"cached_at"`
}
