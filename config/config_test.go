package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query-cache/types"
)

const sampleConfig = `
name: users-api
version: 1.0.0
logger:
  level: debug
cache:
  type: redis
  stale_after: 5min
  purge_schedule: "0 0 * * * *"
  config:
    addr: localhost:6379
    key_prefix: users
metrics:
  enabled: true
  labels:
    team: core
`

func TestLoader_LoadFromBytes(t *testing.T) {
	config, raw, err := NewLoader().LoadFromBytes([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "users-api", config.Name)
	assert.Equal(t, "debug", config.Logger.Level)
	assert.Equal(t, "redis", config.Cache.Type)
	assert.Equal(t, "5min", config.Cache.StaleAfter)
	assert.Equal(t, "0 0 * * * *", config.Cache.PurgeSchedule)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, "prometheus", config.Metrics.Type)
	assert.Equal(t, map[string]string{"team": "core"}, config.Metrics.Labels)
	assert.Equal(t, "UTC", config.Cron.Timezone)
	assert.False(t, config.Health.Enabled)

	assert.Equal(t, "users-api", raw["name"])
}

func TestLoader_Defaults(t *testing.T) {
	config, _, err := NewLoader().LoadFromBytes([]byte("name: svc\nversion: \"1\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "info", config.Logger.Level)
	assert.Equal(t, "memory", config.Cache.Type)
	assert.Empty(t, config.Cache.StaleAfter)
	assert.False(t, config.Metrics.Enabled)
}

func TestLoader_Errors(t *testing.T) {
	_, _, err := NewLoader().LoadFromBytes([]byte("name: [unterminated"))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)

	_, _, err = NewLoader().LoadFromBytes([]byte("version: \"1\"\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, _, err = NewLoader().LoadFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, types.ErrConfigNotFound)

	_, _, err = NewLoader().LoadFromFile(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}

func TestManager_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cm, err := NewManager(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "redis", cm.GetConfig().Cache.Type)
	assert.Equal(t, "users", cm.GetValue("cache.config.key_prefix", ""))
	assert.Equal(t, "fallback", cm.GetValue("cache.config.missing", "fallback"))

	var redis struct {
		Addr      string `yaml:"addr"`
		KeyPrefix string `yaml:"key_prefix"`
	}
	require.NoError(t, cm.GetAs("cache.config", &redis))
	assert.Equal(t, "localhost:6379", redis.Addr)
	assert.Equal(t, "users", redis.KeyPrefix)

	require.NoError(t, os.WriteFile(path, []byte("name: reloaded\nversion: \"2\"\n"), 0o600))
	require.NoError(t, cm.Load())
	assert.Equal(t, "reloaded", cm.GetConfig().Name)
	assert.Equal(t, "memory", cm.GetConfig().Cache.Type)
}

func TestManager_Static(t *testing.T) {
	config := NewLoader().Defaults()
	config.Name = "static"

	cm := NewStatic(config)
	require.NoError(t, cm.Load())

	assert.Same(t, config, cm.GetConfig())
	assert.Equal(t, 1, cm.GetValue("anything", 1))
	assert.ErrorIs(t, cm.GetAs("anything", new(string)), types.ErrConfigNotFound)
}

func TestParser_NestedPaths(t *testing.T) {
	p := NewParser(map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[interface{}]interface{}{"c": 3},
		},
		"scalar": "x",
	})

	assert.Equal(t, 3, p.GetValue("a.b.c", nil))
	assert.Nil(t, p.GetValue("scalar.deeper", nil))
	assert.Nil(t, p.GetValue("a.missing.c", nil))
	assert.NotNil(t, p.GetValue("", nil))
}
