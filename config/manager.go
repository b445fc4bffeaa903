package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-query-cache/types"
)

// Manager holds the validated service configuration together with the raw YAML
// document it was decoded from.
type Manager struct {
	ctx         context.Context
	config      atomic.Pointer[types.ServiceConfig]
	parser      atomic.Pointer[Parser]
	configPath  string
	loader      *Loader
	mu          sync.Mutex
	loadTimeout time.Duration
}

func NewManager(ctx context.Context, configPath string) (*Manager, error) {
	cm := &Manager{
		ctx:         ctx,
		configPath:  configPath,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}

	if err := cm.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

// NewStatic wraps an already built configuration, mostly for tests and embedding.
func NewStatic(config *types.ServiceConfig) *Manager {
	cm := &Manager{
		ctx:    context.Background(),
		loader: NewLoader(),
	}

	cm.config.Store(config)
	cm.parser.Store(NewParser(nil))

	return cm
}

// Load re-reads the file. Without a file path it is a no-op.
func (cm *Manager) Load() error {
	if cm.configPath == "" && cm.config.Load() != nil {
		return nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, rawData, err := cm.loader.LoadFromFile(loadCtx, cm.configPath)
	if err != nil {
		return err
	}

	cm.config.Store(config)
	cm.parser.Store(NewParser(rawData))

	return nil
}

func (cm *Manager) GetConfig() *types.ServiceConfig {
	return cm.config.Load()
}

func (cm *Manager) GetValue(path string, defaultValue interface{}) interface{} {
	parser := cm.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (cm *Manager) GetAs(path string, target interface{}) error {
	parser := cm.parser.Load()
	if parser == nil {
		return types.ErrConfigIsNil
	}
	return parser.GetAs(path, target)
}
