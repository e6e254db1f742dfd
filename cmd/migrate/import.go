package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

// importResult 导入统计
type importResult struct {
	Imported int
	Existing int
	Invalid  int
}

// importLegacyKeys 导入旧版 keys.json（JSON 数组，字段 value/createdAt/expiresAt/banned/hwid）。
// 已存在的密钥保持不变。
func importLegacyKeys(ctx context.Context, repo storage.KeyRepository, r io.Reader, now time.Time) (importResult, error) {
	var result importResult

	var keys []domain.LicenseKey
	if err := json.NewDecoder(r).Decode(&keys); err != nil {
		return result, fmt.Errorf("decode keys: %w", err)
	}

	for i := range keys {
		key := &keys[i]
		key.Value = domain.NormalizeKey(key.Value)
		if domain.ValidateKeyFormat(key.Value) != nil {
			result.Invalid++
			continue
		}
		upgradeLegacyKey(key, now)

		err := repo.CreateKey(ctx, key)
		switch {
		case errors.Is(err, storage.ErrKeyExists):
			result.Existing++
		case err != nil:
			return result, fmt.Errorf("import %s: %w", key.Value, err)
		default:
			result.Imported++
		}
	}
	return result, nil
}

// upgradeLegacyKey 补齐旧记录缺失的字段
func upgradeLegacyKey(key *domain.LicenseKey, now time.Time) {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	if key.MaxActivations < 1 {
		key.MaxActivations = 1
	}
	if key.HWID != nil && *key.HWID == "" {
		key.HWID = nil
	}
	if n := key.BoundCount(); key.Activations < n {
		key.Activations = n
	}
}
