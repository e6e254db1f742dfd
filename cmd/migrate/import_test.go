package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage/memory"
)

const legacyKeys = `[
  {"value": "ABCD1234-EFGH5678", "createdAt": "2024-01-02T03:04:05.000Z", "banned": false, "expiresAt": "2030-01-01T00:00:00.000Z"},
  {"value": " wxyz0000-qrst1111 ", "banned": true, "expiresAt": null, "hwid": "HW-1"},
  {"value": "not a key", "banned": false, "expiresAt": null},
  {"value": "ABCD1234-EFGH5678", "banned": true, "expiresAt": null}
]`

func TestImportLegacyKeys(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memory.NewStore(0)

	result, err := importLegacyKeys(ctx, store, strings.NewReader(legacyKeys), now)
	require.NoError(t, err)
	assert.Equal(t, importResult{Imported: 2, Existing: 1, Invalid: 1}, result)

	t.Run("保留原始字段", func(t *testing.T) {
		key, err := store.GetKey(ctx, "ABCD1234-EFGH5678")
		require.NoError(t, err)
		assert.False(t, key.Banned, "重复记录不应覆盖已导入的密钥")
		require.NotNil(t, key.ExpiresAt)
		assert.Equal(t, 2030, key.ExpiresAt.Year())
		assert.Equal(t, 2024, key.CreatedAt.Year())
		assert.Equal(t, 1, key.MaxActivations)
		assert.Equal(t, 0, key.Activations)
	})

	t.Run("补齐缺失字段并规范化", func(t *testing.T) {
		key, err := store.GetKey(ctx, "WXYZ0000-QRST1111")
		require.NoError(t, err)
		assert.True(t, key.Banned)
		assert.Nil(t, key.ExpiresAt)
		assert.Equal(t, now, key.CreatedAt)
		assert.Equal(t, 1, key.Activations)
		assert.True(t, key.IsBoundTo("HW-1"))
		assert.Equal(t, domain.StatusBanned, domain.Classify(key, now))
	})

	t.Run("格式错误", func(t *testing.T) {
		_, err := importLegacyKeys(ctx, store, strings.NewReader(`{"value":"x"}`), now)
		assert.Error(t, err)
	})
}
