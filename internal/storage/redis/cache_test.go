package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyauth/backend/internal/domain"
)

// newTestCache 连接 KEYAUTH_TEST_REDIS（默认 localhost:6379），不可用时跳过
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("KEYAUTH_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 500 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}

	cache := NewCache(client, "keyauth-test-"+uuid.NewString())
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestCache_Key(t *testing.T) {
	cache := NewCache(nil, "")
	assert.Equal(t, "keyauth:license:ECL-A", cache.key("license", "ECL-A"))
}

func TestCache_LicenseKey(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	_, err := cache.GetCachedKey(ctx, "ECL-A-B")
	assert.ErrorIs(t, err, ErrCacheMiss)

	key := &domain.LicenseKey{Value: "ECL-A-B", MaxActivations: 2, BoundHWIDs: []string{"h1"}}
	require.NoError(t, cache.CacheKey(ctx, key, time.Minute))

	got, err := cache.GetCachedKey(ctx, "ECL-A-B")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MaxActivations)
	assert.Equal(t, []string{"h1"}, got.BoundHWIDs)

	stale := &domain.LicenseKey{Value: "ECL-A-B", MaxActivations: 1}
	require.NoError(t, cache.FillKey(ctx, stale, time.Minute))
	got, err = cache.GetCachedKey(ctx, "ECL-A-B")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MaxActivations, "回填不覆盖已有缓存")

	require.NoError(t, cache.DeleteCachedKey(ctx, "ECL-A-B"))
	_, err = cache.GetCachedKey(ctx, "ECL-A-B")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.FillKey(ctx, stale, time.Minute))
	got, err = cache.GetCachedKey(ctx, "ECL-A-B")
	require.NoError(t, err)
	assert.Equal(t, 1, got.MaxActivations)
}

func TestCache_BlacklistAndRateLimit(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	require.NoError(t, cache.AddToBlacklist(ctx, "jti-1", time.Minute))
	listed, err := cache.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, listed)

	listed, err = cache.IsBlacklisted(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, listed)

	for i := int64(1); i <= 3; i++ {
		n, err := cache.IncrementRateLimit(ctx, "validate:1.2.3.4", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
}
