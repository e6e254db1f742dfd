package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
	"keyauth/backend/internal/storage/storagetest"
)

// 测试辅助函数：创建临时测试目录
func setupTestStore(t *testing.T) (*Store, string) {
	tempDir, err := os.MkdirTemp("", "filesystem_test_*")
	require.NoError(t, err)

	store, err := NewStore(tempDir, zap.NewNop(), 0)
	require.NoError(t, err)

	return store, tempDir
}

// 测试辅助函数：清理测试目录
func cleanupTestStore(t *testing.T, tempDir string) {
	err := os.RemoveAll(tempDir)
	require.NoError(t, err)
}

func TestFilesystemStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, tempDir := setupTestStore(t)
		t.Cleanup(func() { cleanupTestStore(t, tempDir) })
		return store
	})
}

// TestNewStore 测试创建文件系统存储实例
func TestNewStore(t *testing.T) {
	t.Run("初始化三个数据文件", func(t *testing.T) {
		store, tempDir := setupTestStore(t)
		defer cleanupTestStore(t, tempDir)

		for _, name := range []string{keysFile, applicationsFile, usageFile} {
			data, err := os.ReadFile(filepath.Join(store.BasePath(), name))
			require.NoError(t, err)
			assert.JSONEq(t, "[]", string(data))
		}
	})

	t.Run("自动创建多级目录", func(t *testing.T) {
		tempDir, err := os.MkdirTemp("", "filesystem_test_*")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		newPath := filepath.Join(tempDir, "new", "nested", "path")
		store, err := NewStore(newPath, nil, 0)
		require.NoError(t, err)
		assert.NoError(t, store.Health())

		_, err = os.Stat(filepath.Join(newPath, keysFile))
		assert.NoError(t, err)
	})

	t.Run("拒绝路径遍历", func(t *testing.T) {
		_, err := NewStore("../outside", nil, 0)
		assert.Error(t, err)
	})
}

func TestFilesystemStore_SelfHeal(t *testing.T) {
	ctx := context.Background()

	t.Run("损坏文件被备份并重置", func(t *testing.T) {
		store, tempDir := setupTestStore(t)
		defer cleanupTestStore(t, tempDir)

		core, logs := observer.New(zap.WarnLevel)
		store.logger = zap.New(core)

		keysPath := filepath.Join(store.BasePath(), keysFile)
		require.NoError(t, os.WriteFile(keysPath, []byte("{not json"), 0644))

		keys, err := store.LoadKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		data, err := os.ReadFile(keysPath)
		require.NoError(t, err)
		assert.JSONEq(t, "[]", string(data))

		entries, err := os.ReadDir(store.BasePath())
		require.NoError(t, err)
		var backups []string
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), keysFile+".corrupt-") {
				backups = append(backups, e.Name())
			}
		}
		require.Len(t, backups, 1)

		backup, err := os.ReadFile(filepath.Join(store.BasePath(), backups[0]))
		require.NoError(t, err)
		assert.Equal(t, "{not json", string(backup))

		assert.Equal(t, 1, logs.FilterMessage("Data file corrupt, resetting to empty collection").Len())
	})

	t.Run("无法读取的文件被移走并重置", func(t *testing.T) {
		store, tempDir := setupTestStore(t)
		defer cleanupTestStore(t, tempDir)

		core, logs := observer.New(zap.WarnLevel)
		store.logger = zap.New(core)

		// 同名目录让读取失败但不属于文件缺失
		keysPath := filepath.Join(store.BasePath(), keysFile)
		require.NoError(t, os.Remove(keysPath))
		require.NoError(t, os.Mkdir(keysPath, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(keysPath, "inner"), []byte("x"), 0644))

		keys, err := store.LoadKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		info, err := os.Stat(keysPath)
		require.NoError(t, err)
		assert.False(t, info.IsDir())

		matches, err := filepath.Glob(keysPath + ".corrupt-*")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		inner, err := os.ReadFile(filepath.Join(matches[0], "inner"))
		require.NoError(t, err)
		assert.Equal(t, "x", string(inner), "原内容保留在备份中")

		assert.Equal(t, 1, logs.FilterMessage("Data file unreadable, resetting to empty collection").Len())
	})

	t.Run("缺失文件自动重建", func(t *testing.T) {
		store, tempDir := setupTestStore(t)
		defer cleanupTestStore(t, tempDir)

		core, logs := observer.New(zap.WarnLevel)
		store.logger = zap.New(core)

		require.NoError(t, os.Remove(filepath.Join(store.BasePath(), keysFile)))

		_, err := store.GetKey(ctx, "ECL-MISSING-0000")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)

		_, err = os.Stat(filepath.Join(store.BasePath(), keysFile))
		assert.NoError(t, err)
		assert.Equal(t, 1, logs.Len())
	})
}

func TestFilesystemStore_Persistence(t *testing.T) {
	ctx := context.Background()
	store, tempDir := setupTestStore(t)
	defer cleanupTestStore(t, tempDir)

	key := storagetest.NewKey("ECL-AAAA-BBBB")
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Millisecond)
	key.ExpiresAt = &expires
	require.NoError(t, store.CreateKey(ctx, key))

	reopened, err := NewStore(tempDir, zap.NewNop(), 0)
	require.NoError(t, err)

	got, err := reopened.GetKey(ctx, "ECL-AAAA-BBBB")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
}

func TestFilesystemStore_ExternalEditsVisible(t *testing.T) {
	ctx := context.Background()
	store, tempDir := setupTestStore(t)
	defer cleanupTestStore(t, tempDir)

	content := `[{"value":"ECL-HAND-EDIT","createdAt":"2026-01-01T00:00:00Z","expiresAt":null,"banned":true,"hwid":null,"activations":0,"maxActivations":1}]`
	require.NoError(t, os.WriteFile(filepath.Join(store.BasePath(), keysFile), []byte(content), 0644))

	got, err := store.GetKey(ctx, "ECL-HAND-EDIT")
	require.NoError(t, err)
	assert.True(t, got.Banned)
}

func TestFilesystemStore_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	store, tempDir := setupTestStore(t)
	defer cleanupTestStore(t, tempDir)

	for _, v := range []string{"ECL-1-A", "ECL-2-B", "ECL-3-C"} {
		require.NoError(t, store.CreateKey(ctx, storagetest.NewKey(v)))
	}

	entries, err := os.ReadDir(store.BasePath())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestFilesystemStore_UsageCap(t *testing.T) {
	ctx := context.Background()
	tempDir, err := os.MkdirTemp("", "filesystem_test_*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	store, err := NewStore(tempDir, nil, 3)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendUsage(ctx, &domain.UsageLog{
			ID:        fmt.Sprintf("u-%d", i),
			KeyValue:  "ECL-USAGE-KEY",
			Result:    "valid",
			CreatedAt: time.Now(),
		}))
	}

	entries, err := store.ListUsage(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
