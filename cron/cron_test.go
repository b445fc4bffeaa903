package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query-cache/config"
	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/types"
)

func newTestManager(t *testing.T, timezone string) *Manager {
	t.Helper()

	cm := config.NewStatic(&types.ServiceConfig{Cron: &types.CronConfig{Timezone: timezone}})
	return NewManager(context.Background(), cm, logger.NewNop(), nil)
}

func TestManager_AddValidation(t *testing.T) {
	m := newTestManager(t, "UTC")
	job := func() {}

	assert.ErrorIs(t, m.Add("", "* * * * * *", job), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("purge", "", job), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, m.Add("purge", "* * * * * *", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("purge", "every tuesday", job), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("purge", "0 0 * * * *", job))
	assert.ErrorIs(t, m.Add("purge", "0 0 * * * *", job), types.ErrCronJobExists)

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "purge", jobs[0].Name)
	assert.False(t, jobs[0].NextRun.IsZero())
}

func TestManager_Run(t *testing.T) {
	m := newTestManager(t, "UTC")

	var runs int32
	require.NoError(t, m.Add("purge", "0 0 0 1 1 *", func() {
		atomic.AddInt32(&runs, 1)
	}))
	require.NoError(t, m.Add("broken", "0 0 0 1 1 *", func() {
		panic("boom")
	}))

	require.NoError(t, m.Run("purge"))
	require.NoError(t, m.Run("broken"))
	assert.ErrorIs(t, m.Run("missing"), types.ErrCronJobIsNil)

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	for _, job := range m.Jobs() {
		assert.Equal(t, int64(1), job.RunCount, job.Name)
		if job.Name == "broken" {
			assert.ErrorIs(t, job.Error, types.ErrCronJobFailed)
		} else {
			assert.NoError(t, job.Error)
		}
	}
}

func TestManager_Schedule(t *testing.T) {
	m := newTestManager(t, "Local")

	var runs int32
	require.NoError(t, m.Add("tick", "* * * * * *", func() {
		atomic.AddInt32(&runs, 1)
	}))

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), types.ErrCronIsRunning)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) > 0
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Add("late", "* * * * * *", func() {}), types.ErrCronSchedulerStopped)
}

func TestNewManager_UnknownTimezone(t *testing.T) {
	m := newTestManager(t, "Mars/Olympus")
	assert.Equal(t, time.UTC, m.timezone)
}
