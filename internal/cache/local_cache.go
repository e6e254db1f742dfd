package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LocalCache 本地内存缓存（L1 缓存）
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - 支持 TTL 过期
// - 超出容量时拒绝新键，已有键仍可更新
type LocalCache[V any] struct {
	data    sync.Map
	size    atomic.Int64
	maxSize int
	ttl     time.Duration
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，<=0 表示不限制
//   - ttl: 默认过期时间
func NewLocalCache[V any](maxSize int, ttl time.Duration) *LocalCache[V] {
	return &LocalCache[V]{
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get 获取缓存值
func (c *LocalCache[V]) Get(key string) (V, bool) {
	var zero V
	val, ok := c.data.Load(key)
	if !ok {
		return zero, false
	}

	entry := val.(*cacheEntry[V])
	if time.Now().After(entry.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set 设置缓存值，ttl 为 0 时使用默认过期时间
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}
	entry := &cacheEntry[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	if _, loaded := c.data.Load(key); !loaded {
		if c.maxSize > 0 && int(c.size.Load()) >= c.maxSize {
			return
		}
	}
	if _, loaded := c.data.Swap(key, entry); !loaded {
		c.size.Add(1)
	}
}

// Delete 删除缓存值
func (c *LocalCache[V]) Delete(key string) {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// Len 返回当前条目数（包含尚未清理的过期条目）
func (c *LocalCache[V]) Len() int {
	return int(c.size.Load())
}

// Clear 清空所有缓存
func (c *LocalCache[V]) Clear() {
	c.data.Range(func(key, _ any) bool {
		c.Delete(key.(string))
		return true
	})
}

// Run 定期清理过期条目，直到 ctx 取消
func (c *LocalCache[V]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(time.Now())
		}
	}
}

func (c *LocalCache[V]) cleanup(now time.Time) {
	c.data.Range(func(key, value any) bool {
		if now.After(value.(*cacheEntry[V]).expiresAt) {
			c.Delete(key.(string))
		}
		return true
	})
}
