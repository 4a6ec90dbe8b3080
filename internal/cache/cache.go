package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// sweepEvery 次访问触发一次摊销清扫，避免独立定时器
const sweepEvery = 64

// staleFactor 表示条目过期超过 TTL 的多少倍后被清扫回收
const staleFactor = 2

// Entry 是一条缓存记录：值 + 写入时间 + TTL
type Entry[V any] struct {
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

// Fresh 报告该条目在 now 时刻是否仍然新鲜
func (e Entry[V]) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Cache 是带 TTL 的新鲜度缓存。
// 核心契约：刷新失败时旧值 (哪怕已过期) 也要返回，只是标记为不新鲜；
// 只有在完全没有旧值时才把错误抛给调用方。
// 不同 key 的读取互不阻塞；同一 key 的并发 miss 用 singleflight 合并。
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V]
	group   singleflight.Group
	ops     atomic.Int64
	logger  *zap.Logger

	now func() time.Time // 测试时可替换
}

// New 构造一个独立的缓存实例 (测试可各建各的，没有隐藏全局状态)
func New[V any](logger *zap.Logger) *Cache[V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[V]{
		entries: make(map[string]Entry[V]),
		logger:  logger,
		now:     time.Now,
	}
}

// GetOrFetch 返回缓存值；不新鲜时调用 fetch 刷新。
// 返回值 fresh 标记数据是否新鲜。fetch 失败时：
//   - 有旧值：返回旧值, fresh=false, err=nil (不把错误传染给调用方)
//   - 无旧值：返回零值并传播错误
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (V, error)) (V, bool, error) {
	if c.ops.Add(1)%sweepEvery == 0 {
		c.Sweep()
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && entry.Fresh(c.now()) {
		return entry.Value, true, nil
	}

	// 并发 miss 合并：同一 key 只有一个 fetch 在飞
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// 排队期间可能已有别的 flight 刷新过了
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && e.Fresh(c.now()) {
			return e.Value, nil
		}

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = Entry[V]{Value: value, StoredAt: c.now(), TTL: ttl}
		c.mu.Unlock()
		return value, nil
	})

	if err != nil {
		if ok {
			// 刷新失败，退回旧值
			c.logger.Warn("Cache refresh failed, serving stale entry",
				zap.String("Key", key),
				zap.Duration("Age", c.now().Sub(entry.StoredAt)),
				zap.Error(err))
			return entry.Value, false, nil
		}
		var zero V
		return zero, false, err
	}

	return v.(V), true, nil
}

// WithClock 替换时间源，测试里用来推进时间
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.now = now
	return c
}

// Invalidate 无条件移除条目，用于强制刷新
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep 移除过期超过 staleFactor*TTL 的条目，限制内存增长。
// 返回清除的条目数。
func (c *Cache[V]) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.StoredAt) > staleFactor*entry.TTL {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Cache sweep completed", zap.Int("Removed", removed))
	}
	return removed
}

// Len 返回当前条目数 (测试和指标用)
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
