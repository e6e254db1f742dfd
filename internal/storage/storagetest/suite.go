// Package storagetest 提供各存储实现共用的一致性测试。
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

// Factory 为每个子测试创建一个全新的空存储
type Factory func(t *testing.T) storage.Store

// NewKey 构造测试密钥
func NewKey(value string) *domain.LicenseKey {
	return &domain.LicenseKey{
		Value:          value,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		MaxActivations: 1,
	}
}

// Run 执行完整的存储一致性测试
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("密钥增删改查", func(t *testing.T) {
		store := newStore(t)

		key := NewKey("TST-0001-AAAA")
		require.NoError(t, store.CreateKey(ctx, key))
		assert.ErrorIs(t, store.CreateKey(ctx, NewKey("TST-0001-AAAA")), storage.ErrKeyExists)

		got, err := store.GetKey(ctx, "TST-0001-AAAA")
		require.NoError(t, err)
		assert.Equal(t, key.Value, got.Value)
		assert.Equal(t, 1, got.MaxActivations)
		assert.Nil(t, got.HWID)

		_, err = store.GetKey(ctx, "TST-MISSING-0000")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)

		require.NoError(t, store.DeleteKey(ctx, "TST-0001-AAAA"))
		assert.ErrorIs(t, store.DeleteKey(ctx, "TST-0001-AAAA"), storage.ErrKeyNotFound)
	})

	t.Run("UpdateKey 仅在返回 true 时持久化", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateKey(ctx, NewKey("TST-0002-AAAA")))

		_, err := store.UpdateKey(ctx, "TST-0002-AAAA", func(k *domain.LicenseKey) (bool, error) {
			k.Banned = true
			return false, nil
		})
		require.NoError(t, err)
		got, err := store.GetKey(ctx, "TST-0002-AAAA")
		require.NoError(t, err)
		assert.False(t, got.Banned)

		updated, err := store.UpdateKey(ctx, "TST-0002-AAAA", func(k *domain.LicenseKey) (bool, error) {
			k.Bind("hwid-a", time.Now().UTC())
			return true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.Activations)

		got, err = store.GetKey(ctx, "TST-0002-AAAA")
		require.NoError(t, err)
		require.NotNil(t, got.HWID)
		assert.Equal(t, "hwid-a", *got.HWID)
		assert.Equal(t, []string{"hwid-a"}, got.BoundHWIDs)

		_, err = store.UpdateKey(ctx, "TST-MISSING-0000", func(k *domain.LicenseKey) (bool, error) {
			return true, nil
		})
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("UpdateKey 返回错误时不写入", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateKey(ctx, NewKey("TST-0003-AAAA")))

		boom := fmt.Errorf("boom")
		_, err := store.UpdateKey(ctx, "TST-0003-AAAA", func(k *domain.LicenseKey) (bool, error) {
			k.Banned = true
			return true, boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.GetKey(ctx, "TST-0003-AAAA")
		require.NoError(t, err)
		assert.False(t, got.Banned)
	})

	t.Run("LoadKeys 与 SaveKeys", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.CreateKey(ctx, NewKey("TST-0004-AAAA")))

		keys, err := store.LoadKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 1)

		keys = append(keys, *NewKey("TST-0004-BBBB"), *NewKey("TST-0004-CCCC"))
		keys[0].Banned = true
		require.NoError(t, store.SaveKeys(ctx, keys))

		reloaded, err := store.LoadKeys(ctx)
		require.NoError(t, err)
		assert.Len(t, reloaded, 3)

		banned, err := store.CountKeys(ctx, func(k *domain.LicenseKey) bool { return k.Banned })
		require.NoError(t, err)
		assert.Equal(t, 1, banned)

		require.NoError(t, store.SaveKeys(ctx, nil))
		reloaded, err = store.LoadKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, reloaded)
	})

	t.Run("并发 UpdateKey 不丢失更新", func(t *testing.T) {
		store := newStore(t)
		key := NewKey("TST-0005-AAAA")
		key.MaxActivations = 1000
		require.NoError(t, store.CreateKey(ctx, key))

		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.UpdateKey(ctx, "TST-0005-AAAA", func(k *domain.LicenseKey) (bool, error) {
					k.Bind(fmt.Sprintf("hwid-%d", i), time.Now().UTC())
					return true, nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := store.GetKey(ctx, "TST-0005-AAAA")
		require.NoError(t, err)
		assert.Equal(t, workers, got.Activations)
		assert.Len(t, got.BoundHWIDs, workers)
	})

	t.Run("应用增删改查", func(t *testing.T) {
		store := newStore(t)
		app := &domain.Application{
			ID:        "app-1",
			Name:      "Loader",
			OwnerID:   "admin",
			Secret:    "secret-1",
			Settings:  domain.DefaultAppSettings(),
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, store.CreateApplication(ctx, app))

		got, err := store.GetApplication(ctx, "app-1")
		require.NoError(t, err)
		assert.Equal(t, "Loader", got.Name)
		assert.True(t, got.Settings.HWIDLock)

		got.Settings.MaxActivations = 3
		require.NoError(t, store.UpdateApplication(ctx, got))
		got, err = store.GetApplication(ctx, "app-1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.Settings.MaxActivations)

		apps, err := store.ListApplications(ctx)
		require.NoError(t, err)
		assert.Len(t, apps, 1)

		require.NoError(t, store.DeleteApplication(ctx, "app-1"))
		_, err = store.GetApplication(ctx, "app-1")
		assert.ErrorIs(t, err, storage.ErrApplicationNotFound)
		assert.ErrorIs(t, store.DeleteApplication(ctx, "app-1"), storage.ErrApplicationNotFound)
	})

	t.Run("使用记录", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().UTC().Truncate(time.Second)
		for i := 0; i < 5; i++ {
			require.NoError(t, store.AppendUsage(ctx, &domain.UsageLog{
				ID:        fmt.Sprintf("u-%d", i),
				KeyValue:  fmt.Sprintf("TST-%d", i%2),
				Result:    "valid",
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		all, err := store.ListUsage(ctx, "", 3)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "u-4", all[0].ID)

		forKey, err := store.ListUsage(ctx, "TST-1", 0)
		require.NoError(t, err)
		assert.Len(t, forKey, 2)

		removed, err := store.PruneUsage(ctx, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		rest, err := store.ListUsage(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, rest, 3)
	})

	t.Run("健康检查", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Health())
	})
}
