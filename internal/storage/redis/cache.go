package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"keyauth/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache Redis 缓存实现：密钥与应用读缓存、JWT 黑名单、限流计数与事件广播
type Cache struct {
	client redis.UniversalClient
	prefix string
}

// NewCache 创建 Redis 缓存实例，prefix 用于隔离同一 Redis 上的多个部署
func NewCache(client redis.UniversalClient, prefix string) *Cache {
	if prefix == "" {
		prefix = "keyauth"
	}
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *Cache) getJSON(ctx context.Context, key string, v any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// ========== 密钥缓存 ==========

// CacheKey 缓存密钥
func (c *Cache) CacheKey(ctx context.Context, key *domain.LicenseKey, ttl time.Duration) error {
	return c.setJSON(ctx, c.key("license", key.Value), key, ttl)
}

// FillKey 仅在缓存中不存在时写入密钥，读路径回填使用，不会覆盖写路径刷新的新值
func (c *Cache) FillKey(ctx context.Context, key *domain.LicenseKey, ttl time.Duration) error {
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}
	return c.client.SetNX(ctx, c.key("license", key.Value), data, ttl).Err()
}

// GetCachedKey 获取缓存的密钥，未命中返回 ErrCacheMiss
func (c *Cache) GetCachedKey(ctx context.Context, value string) (*domain.LicenseKey, error) {
	var key domain.LicenseKey
	if err := c.getJSON(ctx, c.key("license", value), &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// DeleteCachedKey 删除缓存的密钥
func (c *Cache) DeleteCachedKey(ctx context.Context, value string) error {
	return c.client.Del(ctx, c.key("license", value)).Err()
}

// ========== 应用缓存 ==========

// CacheApplication 缓存应用
func (c *Cache) CacheApplication(ctx context.Context, app *domain.Application, ttl time.Duration) error {
	return c.setJSON(ctx, c.key("app", app.ID), app, ttl)
}

// GetCachedApplication 获取缓存的应用
func (c *Cache) GetCachedApplication(ctx context.Context, id string) (*domain.Application, error) {
	var app domain.Application
	if err := c.getJSON(ctx, c.key("app", id), &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// DeleteCachedApplication 删除缓存的应用
func (c *Cache) DeleteCachedApplication(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key("app", id)).Err()
}

// ========== JWT 黑名单 ==========

// AddToBlacklist 将 JWT 添加到黑名单
func (c *Cache) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.key("blacklist", jti), "1", ttl).Err()
}

// IsBlacklisted 检查 JWT 是否在黑名单中
func (c *Cache) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key("blacklist", jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ========== 限流 ==========

// IncrementRateLimit 增加固定窗口计数，窗口从首次计数开始
func (c *Cache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := c.key("ratelimit", key)
	count, err := c.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.Expire(ctx, k, window).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// ========== 事件广播 ==========

// PublishEvent 向事件频道发布消息，多实例部署时用于同步管理端推送
func (c *Cache) PublishEvent(ctx context.Context, payload []byte) error {
	return c.client.Publish(ctx, c.key("events"), payload).Err()
}

// SubscribeEvents 订阅事件频道，直到 ctx 取消
func (c *Cache) SubscribeEvents(ctx context.Context, handle func([]byte)) error {
	sub := c.client.Subscribe(ctx, c.key("events"))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe events: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle([]byte(msg.Payload))
		}
	}
}

// Ping 健康检查
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Check 供 healthcheck 使用的检查函数
func (c *Cache) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Ping(ctx)
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	return c.client.Close()
}
