package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/types"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateRunning
)

// MemoryConfig bounds the in-process store. Zero values mean unbounded.
// Entries older than MaxAge read as misses; while the adapter is running they
// are also swept every CleanupInterval, which defaults to MaxAge.
type MemoryConfig struct {
	MaxEntries      int      `yaml:"max_entries" json:"max_entries"`
	MaxAge          Duration `yaml:"max_age" json:"max_age"`
	CleanupInterval Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type MemoryStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type entryStore interface {
	Get(key string) (*types.CacheEntry, bool)
	Peek(key string) (*types.CacheEntry, bool)
	Keys() []string
	Add(key string, value *types.CacheEntry) bool
	Remove(key string) bool
	Purge()
	Len() int
}

type MemoryAdapter struct {
	id        string
	config    *MemoryConfig
	logger    types.Logger
	now       func() time.Time
	entries   entryStore
	hits      uint64
	misses    uint64
	evictions uint64
	state     atomic.Value

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

func NewMemoryAdapter(config *MemoryConfig, opts ...AdapterOption) *MemoryAdapter {
	if config == nil {
		config = &MemoryConfig{}
	}

	options := newAdapterOptions(opts)

	m := &MemoryAdapter{
		id:      uuid.NewString(),
		config:  config,
		logger:  options.logger,
		now:     options.now,
		entries: newEntryStore(config),
	}

	m.state.Store(MemoryStateStopped)

	if options.health != nil {
		options.health.RegisterChecker("cache.memory."+m.id, m.healthCheck)
	}

	return m
}

// newEntryStore never uses the expiring LRU with a TTL: its sweeper goroutine
// cannot be stopped. Age is enforced by the adapter instead.
func newEntryStore(config *MemoryConfig) entryStore {
	if config.MaxEntries > 0 {
		if store, err := lru.New[string, *types.CacheEntry](config.MaxEntries); err == nil {
			return store
		}
	}
	return expirable.NewLRU[string, *types.CacheEntry](0, nil, 0)
}

func (m *MemoryAdapter) ID() string {
	return m.id
}

func (m *MemoryAdapter) Get(_ context.Context, key string) (*types.CacheEntry, error) {
	if key == "" {
		return nil, types.ErrCacheKeyEmpty
	}

	entry, exists := m.entries.Get(key)
	if exists && m.expired(entry) {
		m.entries.Remove(key)
		atomic.AddUint64(&m.evictions, 1)
		exists = false
	}

	if !exists {
		atomic.AddUint64(&m.misses, 1)
		return nil, nil
	}

	atomic.AddUint64(&m.hits, 1)

	found := *entry
	return &found, nil
}

func (m *MemoryAdapter) Set(_ context.Context, key string, value interface{}) error {
	if key == "" {
		m.logger.Error("Attempted to set cache entry with empty key")
		return types.ErrCacheKeyEmpty
	}

	entry := &types.CacheEntry{
		Value:    value,
		CachedAt: m.now(),
	}

	if evicted := m.entries.Add(key, entry); evicted {
		atomic.AddUint64(&m.evictions, 1)
	}

	return nil
}

func (m *MemoryAdapter) Unset(_ context.Context, key string) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	m.entries.Remove(key)
	return nil
}

func (m *MemoryAdapter) Purge(_ context.Context) error {
	count := m.entries.Len()
	m.entries.Purge()

	m.logger.Debug("Memory cache purged", zap.String("id", m.id), zap.Int("cleared_entries", count))
	return nil
}

func (m *MemoryAdapter) Stats() MemoryStats {
	return MemoryStats{
		Entries:   m.entries.Len(),
		Hits:      atomic.LoadUint64(&m.hits),
		Misses:    atomic.LoadUint64(&m.misses),
		Evictions: atomic.LoadUint64(&m.evictions),
	}
}

func (m *MemoryAdapter) Start() error {
	if !m.state.CompareAndSwap(MemoryStateStopped, MemoryStateRunning) {
		return types.ErrServiceIsRunning
	}

	if m.config.MaxAge > 0 {
		m.stopCleanup = make(chan struct{})
		m.cleanupDone = make(chan struct{})
		go m.startCleanupRoutine(m.stopCleanup, m.cleanupDone)
	}

	m.logger.Debug("Memory cache started",
		zap.String("id", m.id),
		zap.Int("max_entries", m.config.MaxEntries),
		zap.Duration("max_age", m.config.MaxAge.Std()))
	return nil
}

// Stop ends the cleanup routine and drops every entry.
func (m *MemoryAdapter) Stop() error {
	if !m.state.CompareAndSwap(MemoryStateRunning, MemoryStateStopped) {
		return types.ErrServiceIsNotRunning
	}

	if m.stopCleanup != nil {
		close(m.stopCleanup)
		<-m.cleanupDone
		m.stopCleanup, m.cleanupDone = nil, nil
	}

	stats := m.Stats()
	m.entries.Purge()

	m.logger.Debug("Memory cache stopped",
		zap.String("id", m.id),
		zap.Int("cleared_entries", stats.Entries),
		zap.Uint64("hits", stats.Hits),
		zap.Uint64("misses", stats.Misses))
	return nil
}

func (m *MemoryAdapter) expired(entry *types.CacheEntry) bool {
	return m.config.MaxAge > 0 && !entry.CachedAt.Add(m.config.MaxAge.Std()).After(m.now())
}

// cleanup removes every entry older than MaxAge and returns how many it removed.
func (m *MemoryAdapter) cleanup() int {
	removed := 0
	for _, key := range m.entries.Keys() {
		if entry, ok := m.entries.Peek(key); ok && m.expired(entry) {
			if m.entries.Remove(key) {
				removed++
			}
		}
	}

	if removed > 0 {
		atomic.AddUint64(&m.evictions, uint64(removed))
		m.logger.Debug("Cleanup completed", zap.String("id", m.id), zap.Int("expired_entries", removed))
	}
	return removed
}

func (m *MemoryAdapter) startCleanupRoutine(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := m.config.CleanupInterval.Std()
	if interval <= 0 {
		interval = m.config.MaxAge.Std()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryAdapter) IsRunning() bool {
	return m.state.Load().(MemoryState) == MemoryStateRunning
}

func (m *MemoryAdapter) healthCheck(context.Context) types.HealthCheck {
	stats := m.Stats()

	return types.HealthCheck{
		Status: types.StatusHealthy,
		Details: map[string]interface{}{
			"entries":   stats.Entries,
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"evictions": stats.Evictions,
		},
	}
}
