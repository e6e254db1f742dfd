package storage

import (
	"context"
	"errors"
	"time"

	"keyauth/backend/internal/domain"
)

var (
	// ErrKeyNotFound 密钥不存在
	ErrKeyNotFound = errors.New("license key not found")
	// ErrKeyExists 密钥值已存在
	ErrKeyExists = errors.New("license key already exists")
	// ErrApplicationNotFound 应用不存在
	ErrApplicationNotFound = errors.New("application not found")
	// ErrApplicationExists 应用 ID 已存在
	ErrApplicationExists = errors.New("application already exists")
)

// KeyMutator 在独占持有密钥期间执行的修改函数。
// 返回 true 表示需要持久化修改；返回错误时整个事务回滚。
type KeyMutator func(key *domain.LicenseKey) (bool, error)

// KeyRepository 定义许可证密钥数据存取操作。
type KeyRepository interface {
	// LoadKeys 返回当前已提交的全部密钥
	LoadKeys(ctx context.Context) ([]domain.LicenseKey, error)
	// SaveKeys 原子地替换整个密钥集合
	SaveKeys(ctx context.Context, keys []domain.LicenseKey) error
	GetKey(ctx context.Context, value string) (*domain.LicenseKey, error)
	CountKeys(ctx context.Context, pred func(*domain.LicenseKey) bool) (int, error)
	CreateKey(ctx context.Context, key *domain.LicenseKey) error
	// UpdateKey 读取-判定-写入在同一临界区内完成
	UpdateKey(ctx context.Context, value string, fn KeyMutator) (*domain.LicenseKey, error)
	DeleteKey(ctx context.Context, value string) error
}

// ApplicationRepository 定义应用数据存取操作。
type ApplicationRepository interface {
	CreateApplication(ctx context.Context, app *domain.Application) error
	GetApplication(ctx context.Context, id string) (*domain.Application, error)
	ListApplications(ctx context.Context) ([]domain.Application, error)
	UpdateApplication(ctx context.Context, app *domain.Application) error
	DeleteApplication(ctx context.Context, id string) error
}

// UsageRepository 定义使用记录存取操作。
type UsageRepository interface {
	AppendUsage(ctx context.Context, entry *domain.UsageLog) error
	// ListUsage 按时间倒序返回记录；keyValue 为空时返回全部
	ListUsage(ctx context.Context, keyValue string, limit int) ([]domain.UsageLog, error)
	PruneUsage(ctx context.Context, before time.Time) (int, error)
}

// Store 定义完整的存储接口。
type Store interface {
	KeyRepository
	ApplicationRepository
	UsageRepository

	// 工具方法
	Close() error
	Health() error
}

// TokenBlacklist 定义 JWT 黑名单操作。
type TokenBlacklist interface {
	AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// RateLimitRepository 定义限流计数操作。
type RateLimitRepository interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// FilterKeys 按过滤条件筛选密钥，供各存储实现复用
func FilterKeys(keys []domain.LicenseKey, filter domain.KeyFilter, now time.Time) []domain.LicenseKey {
	if filter.AppID == "" && filter.Status == "" {
		return keys
	}
	out := make([]domain.LicenseKey, 0, len(keys))
	for i := range keys {
		k := &keys[i]
		if filter.AppID != "" && (k.AppID == nil || *k.AppID != filter.AppID) {
			continue
		}
		if filter.Status != "" && domain.Classify(k, now) != filter.Status {
			continue
		}
		out = append(out, *k)
	}
	return out
}
