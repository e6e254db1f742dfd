package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
	"keyauth/backend/internal/storage/memory"
)

func TestApplicationService(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(0)
	apps := NewApplicationService(store, zap.NewNop())

	app, err := apps.Create(ctx, CreateApplicationInput{Name: "  Eclipse Loader  ", OwnerID: "admin"})
	require.NoError(t, err)

	t.Run("创建时使用默认设置并生成密钥", func(t *testing.T) {
		assert.Equal(t, "Eclipse Loader", app.Name)
		assert.Len(t, app.Secret, 64)
		assert.Equal(t, domain.DefaultAppSettings(), app.Settings)
		assert.NotEmpty(t, app.ID)
	})

	t.Run("名称不能为空", func(t *testing.T) {
		_, err := apps.Create(ctx, CreateApplicationInput{Name: "   "})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("设置中的激活数必须大于零", func(t *testing.T) {
		_, err := apps.Create(ctx, CreateApplicationInput{Name: "Bad", Settings: &domain.AppSettings{}})
		assert.ErrorIs(t, err, ErrInvalidMaxActivations)
	})

	t.Run("更新后缓存失效", func(t *testing.T) {
		// 先读一次写入缓存
		_, err := apps.Get(ctx, app.ID)
		require.NoError(t, err)

		name := "Renamed"
		settings := domain.AppSettings{HWIDLock: false, MaxActivations: 4}
		_, err = apps.Update(ctx, app.ID, UpdateApplicationInput{Name: &name, Settings: &settings})
		require.NoError(t, err)

		got, err := apps.Get(ctx, app.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, 4, got.Settings.MaxActivations)
		assert.False(t, got.Settings.HWIDLock)
	})

	t.Run("轮换密钥", func(t *testing.T) {
		before, _ := apps.Get(ctx, app.ID)
		rotated, err := apps.RotateSecret(ctx, app.ID)
		require.NoError(t, err)
		assert.NotEqual(t, before.Secret, rotated.Secret)

		got, _ := apps.Get(ctx, app.ID)
		assert.Equal(t, rotated.Secret, got.Secret)
	})

	t.Run("仍有密钥时拒绝删除", func(t *testing.T) {
		appID := app.ID
		require.NoError(t, store.CreateKey(ctx, &domain.LicenseKey{Value: "ECL-APP-1", AppID: &appID, MaxActivations: 1}))

		assert.ErrorIs(t, apps.Delete(ctx, app.ID), ErrApplicationInUse)

		require.NoError(t, store.DeleteKey(ctx, "ECL-APP-1"))
		require.NoError(t, apps.Delete(ctx, app.ID))

		_, err := apps.Get(ctx, app.ID)
		assert.ErrorIs(t, err, storage.ErrApplicationNotFound)
	})

	t.Run("不存在的应用", func(t *testing.T) {
		_, err := apps.Update(ctx, "missing", UpdateApplicationInput{})
		assert.ErrorIs(t, err, storage.ErrApplicationNotFound)
		_, err = apps.RotateSecret(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrApplicationNotFound)
		assert.ErrorIs(t, apps.Delete(ctx, "missing"), storage.ErrApplicationNotFound)
	})
}
