package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-query-cache/config"
	"github.com/saiset-co/sai-query-cache/types"
)

func TestZapWrapper_ErrorWithErrStack(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapWrapper(zap.New(core))

	cause := errors.New("storage down")
	l.ErrorWithErrStack("Cache invalidation failed", errors.Wrap(cause, "purge"), zap.String("sid", "users"))

	entries := logs.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "storage down", fields["error"])
	assert.Contains(t, fields["stack"], "TestZapWrapper_ErrorWithErrStack")
	assert.Equal(t, "users", fields["sid"])

	l.ErrorWithErrStack("no error", nil)
	require.Len(t, logs.All(), 2)
	assert.Empty(t, logs.All()[1].ContextMap())
}

func TestZapWrapper_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewZapWrapper(zap.New(core))

	l.Debug("hidden")
	l.Info("info")
	l.Warn("warn")
	l.Error("error")
	l.Log(zapcore.WarnLevel, "log")

	assert.Equal(t, 4, logs.Len())
	assert.Equal(t, 1, logs.FilterMessage("log").Len())
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLogLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("verbose"))
}

func TestNewManager(t *testing.T) {
	ctx := context.Background()

	_, err := NewManager(ctx, config.NewStatic(&types.ServiceConfig{}))
	assert.ErrorIs(t, err, types.ErrLoggerConfigInvalid)

	_, err = NewManager(ctx, config.NewStatic(&types.ServiceConfig{
		Logger: &types.LoggerConfig{Type: "syslog", Level: "info"},
	}))
	assert.ErrorIs(t, err, types.ErrLoggerTypeUnknown)

	m, err := NewManager(ctx, config.NewStatic(&types.ServiceConfig{
		Logger: &types.LoggerConfig{Type: "nop", Level: "info"},
	}))
	require.NoError(t, err)

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), types.ErrServiceIsRunning)
	assert.True(t, m.IsRunning())

	m.Info("started")

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), types.ErrServiceIsNotRunning)
}

func TestNewManager_Custom(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	RegisterLogger("observed", func(interface{}) (types.Logger, error) {
		return NewZapWrapper(zap.New(core)), nil
	})

	m, err := NewManager(context.Background(), config.NewStatic(&types.ServiceConfig{
		Logger: &types.LoggerConfig{Type: "observed", Level: "debug"},
	}))
	require.NoError(t, err)

	m.Debug("hello")
	assert.Equal(t, 1, logs.FilterMessage("hello").Len())
}

func TestNewDefaultLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "service.log")

	l, err := NewDefaultLogger(&types.LoggerConfig{
		Level:  "info",
		Config: map[string]interface{}{"format": "json", "output": "file", "file": path},
	})
	require.NoError(t, err)

	l.Info("written")
	require.NoError(t, l.(*ZapWrapper).Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "written")

	_, err = NewDefaultLogger(&types.LoggerConfig{
		Level:  "info",
		Config: map[string]interface{}{"output": "file"},
	})
	assert.ErrorIs(t, err, types.ErrLogFileIsEmpty)
}
