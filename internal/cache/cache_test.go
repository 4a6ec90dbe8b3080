package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 让测试推进时间而不真正睡眠
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Unix(1_700_000_000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.cur = f.cur.Add(d)
	f.mu.Unlock()
}

func newTestCache(clock *fakeClock) *Cache[int] {
	c := New[int](nil)
	c.now = clock.Now
	return c
}

func TestGetOrFetchFreshHit(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	v, fresh, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)

	// TTL 内不再触发 fetch
	clock.Advance(30 * time.Second)
	v, fresh, err = c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestGetOrFetchStaleFallback(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	_, _, err := c.GetOrFetch(context.Background(), "k", time.Minute, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute) // 过期

	failing := func(context.Context) (int, error) {
		return 0, errors.New("upstream unavailable")
	}

	// 有旧值：返回旧值 + fresh=false，不抛错
	v, fresh, err := c.GetOrFetch(context.Background(), "k", time.Minute, failing)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, 42, v)
}

func TestGetOrFetchNoEntryPropagates(t *testing.T) {
	c := newTestCache(newFakeClock())

	wantErr := errors.New("upstream unavailable")
	_, fresh, err := c.GetOrFetch(context.Background(), "missing", time.Minute, func(context.Context) (int, error) {
		return 0, wantErr
	})
	assert.False(t, fresh)
	assert.ErrorIs(t, err, wantErr)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, _, _ := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	assert.Equal(t, 1, v)

	c.Invalidate("k")

	v, fresh, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 2, v)
}

func TestSweepBoundsGrowth(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	fetch := func(context.Context) (int, error) { return 1, nil }
	_, _, _ = c.GetOrFetch(context.Background(), "a", time.Minute, fetch)
	_, _, _ = c.GetOrFetch(context.Background(), "b", time.Minute, fetch)
	require.Equal(t, 2, c.Len())

	// 过期但未超过 2x TTL：保留 (仍可作为 stale 兜底)
	clock.Advance(90 * time.Second)
	assert.Equal(t, 0, c.Sweep())
	assert.Equal(t, 2, c.Len())

	// 超过 2x TTL：回收
	clock.Advance(60 * time.Second)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentMissesCollapse(t *testing.T) {
	c := newTestCache(newFakeClock())

	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})

	fetch := func(context.Context) (int, error) {
		cur := inFlight.Add(1)
		if cur > maxInFlight.Load() {
			maxInFlight.Store(cur)
		}
		<-release
		inFlight.Add(-1)
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrFetch(context.Background(), "k", time.Minute, fetch)
			assert.NoError(t, err)
			assert.Equal(t, 7, v)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// 并发 miss 被合并成单次 fetch
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestIndependentKeys(t *testing.T) {
	c := newTestCache(newFakeClock())

	_, _, _ = c.GetOrFetch(context.Background(), "a", time.Minute, func(context.Context) (int, error) { return 1, nil })
	_, _, _ = c.GetOrFetch(context.Background(), "b", time.Minute, func(context.Context) (int, error) { return 2, nil })

	c.Invalidate("a")

	v, fresh, err := c.GetOrFetch(context.Background(), "b", time.Minute, func(context.Context) (int, error) {
		t.Fatal("key b should still be fresh")
		return 0, nil
	})
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 2, v)
}
