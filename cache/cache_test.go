package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query-cache/query"
	"github.com/saiset-co/sai-query-cache/signal"
	"github.com/saiset-co/sai-query-cache/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingInstance struct {
	err error
}

func (f *failingInstance) Get(context.Context, string) (*types.CacheEntry, error) { return nil, f.err }
func (f *failingInstance) Set(context.Context, string, interface{}) error         { return f.err }
func (f *failingInstance) Unset(context.Context, string) error                    { return f.err }
func (f *failingInstance) Purge(context.Context) error                            { return f.err }

// versionedHandler returns "v1", "v2", ... on consecutive calls.
func versionedHandler(calls *int) query.Handler {
	return func(context.Context, interface{}) (interface{}, error) {
		*calls++
		return fmt.Sprintf("v%d", *calls), nil
	}
}

func newCachedQuery(t *testing.T, calls *int, queryOpts []query.Option, opts ...Option) (*query.Query, *Decorator) {
	t.Helper()

	q, err := query.New("users", versionedHandler(calls), queryOpts...)
	require.NoError(t, err)

	d, err := Cache(q, opts...)
	require.NoError(t, err)

	return q, d
}

func TestCache_NilQuery(t *testing.T) {
	_, err := Cache(nil)
	assert.ErrorIs(t, err, types.ErrQueryIsNil)
}

func TestCache_InstalledFirst(t *testing.T) {
	var calls int
	q, _ := newCachedQuery(t, &calls, nil)

	sources := q.DataSources().Sources()
	require.Len(t, sources, 2)
	assert.Equal(t, SourceName, sources[0].Name())
	assert.Equal(t, query.RemoteSourceName, sources[1].Name())
}

func TestCache_Options(t *testing.T) {
	var calls int

	_, d := newCachedQuery(t, &calls, nil, WithStaleAfterString("1h 30m"))
	assert.Equal(t, 90*time.Minute, d.StaleAfter())

	q, err := query.New("users", versionedHandler(&calls))
	require.NoError(t, err)

	_, err = Cache(q, WithStaleAfterString("soon"))
	assert.ErrorIs(t, err, types.ErrTimeInvalid)

	_, err = Cache(q, WithStaleAfter(-time.Second))
	assert.ErrorIs(t, err, types.ErrTimeInvalid)

	_, err = Cache(q, WithAdapter(nil))
	assert.ErrorIs(t, err, types.ErrCacheAdapterNil)
}

func TestCache_ServesFreshEntry(t *testing.T) {
	var calls int
	q, _ := newCachedQuery(t, &calls, nil, WithStaleAfter(time.Minute))

	var finished []query.FinishedSuccess
	q.Succeeded().Subscribe(func(s query.FinishedSuccess) {
		finished = append(finished, s)
	})

	ctx := context.Background()

	result, err := q.Start(ctx, map[string]interface{}{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "v1", result)

	result, err = q.Start(ctx, map[string]interface{}{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "v1", result)
	assert.Equal(t, 1, calls)

	require.Len(t, finished, 2)
	assert.Equal(t, query.RemoteSourceName, finished[0].Source)
	assert.Equal(t, SourceName, finished[1].Source)

	_, err = q.Start(ctx, map[string]interface{}{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCache_StaleAfterFiveMinutes(t *testing.T) {
	clock := newFakeClock()
	adapter := InMemory(WithClock(clock.Now))

	var calls int
	q, _ := newCachedQuery(t, &calls, nil,
		WithAdapter(adapter),
		WithNow(clock.Now),
		WithStaleAfterString("5min"),
	)

	var published []interface{}
	q.Data().Subscribe(func(value interface{}) {
		published = append(published, value)
	})

	ctx := context.Background()

	_, err := q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	clock.Advance(4 * time.Minute)
	result, err := q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "v1", result)
	assert.Equal(t, 1, calls)
	assert.False(t, q.Stale().Snapshot())

	clock.Advance(2 * time.Minute)
	result, err = q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "v2", result)
	assert.Equal(t, 2, calls)
	assert.False(t, q.Stale().Snapshot())

	assert.Equal(t, []interface{}{"v1", "v1", "v1", "v2"}, published)

	clock.Advance(time.Minute)
	result, err = q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "v2", result)
	assert.Equal(t, 2, calls)
}

func TestCache_NoStaleAfterAlwaysRefreshes(t *testing.T) {
	var calls int
	q, _ := newCachedQuery(t, &calls, nil)

	var staleSeen bool
	q.Stale().Subscribe(func(stale bool) {
		if stale {
			staleSeen = true
		}
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Start(ctx, "p")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, calls)
	assert.True(t, staleSeen)
}

func TestCache_StaleKeptOnRemoteFailure(t *testing.T) {
	remoteErr := errors.New("offline")
	fail := false
	calls := 0

	q, err := query.New("users", func(context.Context, interface{}) (interface{}, error) {
		calls++
		if fail {
			return nil, remoteErr
		}
		return "cached", nil
	})
	require.NoError(t, err)

	_, err = Cache(q)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = q.Start(ctx, "p")
	require.NoError(t, err)

	fail = true
	_, err = q.Start(ctx, "p")
	assert.ErrorIs(t, err, remoteErr)
	assert.Equal(t, "cached", q.Data().Snapshot())
	assert.True(t, q.Stale().Snapshot())
	assert.Equal(t, 2, calls)
}

func TestCache_ParamsAreMeaningless(t *testing.T) {
	var calls int
	q, d := newCachedQuery(t, &calls, []query.Option{query.WithParamsAreMeaningless()}, WithStaleAfter(time.Hour))

	ctx := context.Background()
	_, err := q.Start(ctx, 1)
	require.NoError(t, err)
	_, err = q.Start(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)

	first, ok := d.Key(1)
	require.True(t, ok)
	second, ok := d.Key(2)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestCache_UnresolvableSourceBypassesCache(t *testing.T) {
	session := signal.NewStore[*string](nil)
	adapter := NewMemoryAdapter(nil)

	var calls int
	q, _ := newCachedQuery(t, &calls,
		[]query.Option{query.WithSourced(query.FromOptionalStore[string](session))},
		WithAdapter(Wrap(adapter)),
		WithStaleAfter(time.Hour),
	)

	ctx := context.Background()
	_, err := q.Start(ctx, "p")
	require.NoError(t, err)
	_, err = q.Start(ctx, "p")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, adapter.Stats().Entries)

	token := "alice"
	session.Set(&token)

	_, err = q.Start(ctx, "p")
	require.NoError(t, err)
	_, err = q.Start(ctx, "p")
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, adapter.Stats().Entries)
}

func TestCache_WritesUnderSuccessTimeSnapshot(t *testing.T) {
	session := signal.NewStore("a")
	calls := 0

	q, err := query.New("users", func(context.Context, interface{}) (interface{}, error) {
		calls++
		session.Set("b")
		return "result", nil
	}, query.WithSourced(query.FromStore[string](session)))
	require.NoError(t, err)

	d, err := Cache(q, WithStaleAfter(time.Hour))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = q.Start(ctx, "p")
	require.NoError(t, err)

	keyB, ok := d.Key("p")
	require.True(t, ok)

	entry, err := d.Adapter().Instance().Get(ctx, keyB)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "result", entry.Value)

	session.Set("a")
	keyA, ok := d.Key("p")
	require.True(t, ok)

	entry, err = d.Adapter().Instance().Get(ctx, keyA)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, 1, calls)
}

func TestCache_ForceEvictsOwnKey(t *testing.T) {
	var calls int
	q, d := newCachedQuery(t, &calls, nil, WithStaleAfter(time.Hour))

	ctx := context.Background()
	_, err := q.Start(ctx, "p")
	require.NoError(t, err)
	_, err = q.Start(ctx, "q")
	require.NoError(t, err)

	result, err := q.Force(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "v3", result)
	assert.Equal(t, 3, calls)

	result, err = q.Start(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "v2", result)

	keyQ, ok := d.Key("q")
	require.True(t, ok)

	result, err = q.ForceWithKey(ctx, "p", keyQ)
	require.NoError(t, err)
	assert.Equal(t, "v3", result)

	entry, err := d.Adapter().Instance().Get(ctx, keyQ)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCache_ForceWithoutKeyIsDropped(t *testing.T) {
	session := signal.NewStore[*string](nil)

	var calls int
	q, d := newCachedQuery(t, &calls,
		[]query.Option{query.WithSourced(query.FromOptionalStore[string](session))})

	var failures []error
	d.Failures().Subscribe(func(err error) {
		failures = append(failures, err)
	})

	_, err := q.Force(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, failures)
}

func TestCache_Purge(t *testing.T) {
	purge := signal.NewEvent[struct{}]()
	adapter := NewMemoryAdapter(nil)

	var calls int
	q, _ := newCachedQuery(t, &calls, nil,
		WithAdapter(Wrap(adapter)),
		WithPurge(purge),
		WithStaleAfter(time.Hour),
	)

	ctx := context.Background()
	_, err := q.Start(ctx, "p")
	require.NoError(t, err)
	_, err = q.Start(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, adapter.Stats().Entries)

	purge.Emit(struct{}{})
	assert.Equal(t, 0, adapter.Stats().Entries)

	_, err = q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCache_AdapterSwap(t *testing.T) {
	adapter := InMemory()

	var calls int
	q, _ := newCachedQuery(t, &calls, nil, WithAdapter(adapter), WithStaleAfter(time.Hour))

	ctx := context.Background()
	_, err := q.Start(ctx, "p")
	require.NoError(t, err)

	previous, err := adapter.Swap(NewMemoryAdapter(nil))
	require.NoError(t, err)
	assert.Equal(t, 1, previous.(*MemoryAdapter).Stats().Entries)

	_, err = q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	_, err = adapter.Swap(nil)
	assert.ErrorIs(t, err, types.ErrCacheAdapterNil)
}

func TestCache_ReadErrorsFailTheRun(t *testing.T) {
	storageErr := errors.New("storage down")

	var calls int
	q, _ := newCachedQuery(t, &calls, nil, WithAdapter(Wrap(&failingInstance{err: storageErr})))

	var failed []query.FinishedFailure
	q.Failed().Subscribe(func(f query.FinishedFailure) {
		failed = append(failed, f)
	})

	_, err := q.Start(context.Background(), "p")
	assert.ErrorIs(t, err, storageErr)
	assert.Equal(t, 0, calls)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Error, storageErr)
}

// writeFailingInstance reads from memory but refuses every write.
type writeFailingInstance struct {
	*MemoryAdapter
	err error
}

func (w *writeFailingInstance) Set(context.Context, string, interface{}) error {
	return w.err
}

func TestCache_WriteErrorKeepsRemoteResult(t *testing.T) {
	diskFull := errors.New("disk full")

	var calls int
	q, d := newCachedQuery(t, &calls, nil,
		WithAdapter(Wrap(&writeFailingInstance{MemoryAdapter: NewMemoryAdapter(nil), err: diskFull})),
		WithStaleAfter(time.Hour),
	)

	var failures []error
	d.Failures().Subscribe(func(err error) {
		failures = append(failures, err)
	})

	var successes int
	q.Succeeded().Subscribe(func(query.FinishedSuccess) { successes++ })

	ctx := context.Background()
	result, err := q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "v1", result)
	assert.Equal(t, "v1", q.Data().Snapshot())
	assert.Equal(t, 1, successes)

	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], diskFull)
	assert.Contains(t, failures[0].Error(), "write")

	result, err = q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "v2", result)
	assert.Equal(t, 2, calls)
}

func TestCache_SessionsDoNotShareEntries(t *testing.T) {
	type credentials struct {
		token string
	}

	current := signal.NewStore(credentials{token: "alice"})
	adapter := NewMemoryAdapter(nil)

	var calls int
	q, _ := newCachedQuery(t, &calls,
		[]query.Option{query.WithSourced(query.FromStore[credentials](current))},
		WithAdapter(Wrap(adapter)),
		WithStaleAfter(time.Hour),
	)

	ctx := context.Background()
	_, err := q.Start(ctx, "p")
	require.NoError(t, err)

	current.Set(credentials{token: "bob"})

	result, err := q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "v2", result)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, adapter.Stats().Entries)
}

func TestCache_InvalidationFailuresArePublished(t *testing.T) {
	storageErr := errors.New("storage down")
	purge := signal.NewEvent[struct{}]()

	var calls int
	q, d := newCachedQuery(t, &calls, nil,
		WithAdapter(Wrap(&failingInstance{err: storageErr})),
		WithPurge(purge),
	)

	var failures []error
	d.Failures().Subscribe(func(err error) {
		failures = append(failures, err)
	})

	purge.Emit(struct{}{})
	_, _ = q.Force(context.Background(), "p")

	require.Len(t, failures, 2)
	assert.ErrorIs(t, failures[0], storageErr)
	assert.Contains(t, failures[0].Error(), "purge")
	assert.ErrorIs(t, failures[1], storageErr)
	assert.Contains(t, failures[1].Error(), "unset")
}

func TestCache_Close(t *testing.T) {
	purge := signal.NewEvent[struct{}]()

	var calls int
	q, d := newCachedQuery(t, &calls, nil, WithPurge(purge), WithStaleAfter(time.Hour))

	d.Close()
	d.Close()

	sources := q.DataSources().Sources()
	require.Len(t, sources, 1)
	assert.Equal(t, query.RemoteSourceName, sources[0].Name())
	assert.Equal(t, 0, purge.Subscribers())

	ctx := context.Background()
	_, err := q.Start(ctx, "p")
	require.NoError(t, err)
	_, err = q.Start(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
