package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/types"
)

func healthy(context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func TestManager_Check(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop())

	hm.RegisterChecker("a", healthy)
	hm.RegisterChecker("b", healthy)
	hm.RegisterChecker("ignored", nil)

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 2, report.Summary.Healthy)
	assert.Equal(t, "a", report.Checks["a"].Name)
	assert.False(t, report.Checks["a"].LastCheck.IsZero())

	assert.Len(t, hm.LastResults(), 2)
}

func TestManager_UnhealthyWins(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop())

	hm.RegisterChecker("ok", healthy)
	hm.RegisterChecker("unknown", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown}
	})
	hm.RegisterChecker("down", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "down"}
	})

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, 1, report.Summary.Healthy)
	assert.Equal(t, 1, report.Summary.Unknown)
	assert.Equal(t, 1, report.Summary.Unhealthy)
}

func TestManager_PanickingChecker(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop())

	hm.RegisterChecker("panics", func(context.Context) types.HealthCheck {
		panic("boom")
	})

	report := hm.Check(context.Background())

	require.Contains(t, report.Checks, "panics")
	assert.Equal(t, types.StatusUnhealthy, report.Checks["panics"].Status)
	assert.Contains(t, report.Checks["panics"].Message, "boom")
}

func TestManager_Lifecycle(t *testing.T) {
	hm := NewManager(context.Background(), logger.NewNop())

	require.NoError(t, hm.Start())
	assert.True(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Start(), types.ErrServiceIsRunning)

	require.NoError(t, hm.Stop())
	assert.False(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Stop(), types.ErrServiceIsNotRunning)
}
