package hybrid

import (
	"context"
	"time"

	"go.uber.org/zap"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

// Cache 混合存储依赖的缓存操作，由 redis.Cache 实现
type Cache interface {
	CacheKey(ctx context.Context, key *domain.LicenseKey, ttl time.Duration) error
	FillKey(ctx context.Context, key *domain.LicenseKey, ttl time.Duration) error
	GetCachedKey(ctx context.Context, value string) (*domain.LicenseKey, error)
	DeleteCachedKey(ctx context.Context, value string) error
	CacheApplication(ctx context.Context, app *domain.Application, ttl time.Duration) error
	GetCachedApplication(ctx context.Context, id string) (*domain.Application, error)
	DeleteCachedApplication(ctx context.Context, id string) error
	AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Store 混合存储实现：数据库为准，Redis 作为读缓存。
// 缓存写失败只记录日志，不影响主流程。密钥修改落库后用提交结果覆盖缓存，
// 读路径只在缓存缺失时回填，旧快照不会覆盖新值。
type Store struct {
	db    storage.Store
	cache Cache
	ttl   time.Duration
	log   *zap.Logger
}

// NewStore 创建混合存储实例
func NewStore(db storage.Store, cache Cache, ttl time.Duration, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, cache: cache, ttl: ttl, log: log.Named("hybrid")}
}

func (s *Store) warn(msg string, err error, fields ...zap.Field) {
	if err != nil {
		s.log.Warn(msg, append(fields, zap.Error(err))...)
	}
}

// ========== Key Repository ==========

// LoadKeys 直接读取数据库（列表不缓存）
func (s *Store) LoadKeys(ctx context.Context) ([]domain.LicenseKey, error) {
	return s.db.LoadKeys(ctx)
}

// SaveKeys 替换全部密钥后逐个失效缓存
func (s *Store) SaveKeys(ctx context.Context, keys []domain.LicenseKey) error {
	old, err := s.db.LoadKeys(ctx)
	if err != nil {
		return err
	}
	if err := s.db.SaveKeys(ctx, keys); err != nil {
		return err
	}
	for i := range old {
		s.warn("Failed to invalidate cached key", s.cache.DeleteCachedKey(ctx, old[i].Value), zap.String("key", old[i].Value))
	}
	return nil
}

// GetKey 先查缓存，未命中再查数据库并回填
func (s *Store) GetKey(ctx context.Context, value string) (*domain.LicenseKey, error) {
	if key, err := s.cache.GetCachedKey(ctx, value); err == nil {
		return key, nil
	}

	key, err := s.db.GetKey(ctx, value)
	if err != nil {
		return nil, err
	}
	// 读到的可能已被并发更新取代，只填空位
	s.warn("Failed to cache key", s.cache.FillKey(ctx, key, s.ttl), zap.String("key", value))
	return key, nil
}

// CountKeys 直接统计数据库
func (s *Store) CountKeys(ctx context.Context, pred func(*domain.LicenseKey) bool) (int, error) {
	return s.db.CountKeys(ctx, pred)
}

// CreateKey 写入数据库
func (s *Store) CreateKey(ctx context.Context, key *domain.LicenseKey) error {
	return s.db.CreateKey(ctx, key)
}

// UpdateKey 在数据库事务内执行修改，成功后用提交结果覆盖缓存
func (s *Store) UpdateKey(ctx context.Context, value string, fn storage.KeyMutator) (*domain.LicenseKey, error) {
	changed := false
	key, err := s.db.UpdateKey(ctx, value, func(k *domain.LicenseKey) (bool, error) {
		c, err := fn(k)
		changed = c
		return c, err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if err := s.cache.CacheKey(ctx, key, s.ttl); err != nil {
			s.warn("Failed to refresh cached key", err, zap.String("key", value))
			s.warn("Failed to invalidate cached key", s.cache.DeleteCachedKey(ctx, value), zap.String("key", value))
		}
	}
	return key, nil
}

// DeleteKey 删除数据库记录与缓存
func (s *Store) DeleteKey(ctx context.Context, value string) error {
	if err := s.db.DeleteKey(ctx, value); err != nil {
		return err
	}
	s.warn("Failed to invalidate cached key", s.cache.DeleteCachedKey(ctx, value), zap.String("key", value))
	return nil
}

// ========== Application Repository ==========

// CreateApplication 写入数据库
func (s *Store) CreateApplication(ctx context.Context, app *domain.Application) error {
	return s.db.CreateApplication(ctx, app)
}

// GetApplication 先查缓存，验证接口每次调用都会读取应用
func (s *Store) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	if app, err := s.cache.GetCachedApplication(ctx, id); err == nil {
		return app, nil
	}

	app, err := s.db.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	s.warn("Failed to cache application", s.cache.CacheApplication(ctx, app, s.ttl), zap.String("app_id", id))
	return app, nil
}

// ListApplications 直接读取数据库
func (s *Store) ListApplications(ctx context.Context) ([]domain.Application, error) {
	return s.db.ListApplications(ctx)
}

// UpdateApplication 更新数据库并失效缓存
func (s *Store) UpdateApplication(ctx context.Context, app *domain.Application) error {
	if err := s.db.UpdateApplication(ctx, app); err != nil {
		return err
	}
	s.warn("Failed to invalidate cached application", s.cache.DeleteCachedApplication(ctx, app.ID), zap.String("app_id", app.ID))
	return nil
}

// DeleteApplication 删除数据库记录与缓存
func (s *Store) DeleteApplication(ctx context.Context, id string) error {
	if err := s.db.DeleteApplication(ctx, id); err != nil {
		return err
	}
	s.warn("Failed to invalidate cached application", s.cache.DeleteCachedApplication(ctx, id), zap.String("app_id", id))
	return nil
}

// ========== Usage Repository ==========

// AppendUsage 写入数据库
func (s *Store) AppendUsage(ctx context.Context, entry *domain.UsageLog) error {
	return s.db.AppendUsage(ctx, entry)
}

// ListUsage 读取数据库
func (s *Store) ListUsage(ctx context.Context, keyValue string, limit int) ([]domain.UsageLog, error) {
	return s.db.ListUsage(ctx, keyValue, limit)
}

// PruneUsage 清理数据库
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int, error) {
	return s.db.PruneUsage(ctx, before)
}

// ========== JWT 黑名单与限流（仅 Redis） ==========

// AddToBlacklist 将 JWT 添加到黑名单
func (s *Store) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return s.cache.AddToBlacklist(ctx, jti, ttl)
}

// IsBlacklisted 检查 JWT 是否在黑名单中
func (s *Store) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return s.cache.IsBlacklisted(ctx, jti)
}

// IncrementRateLimit 增加限流计数
func (s *Store) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.cache.IncrementRateLimit(ctx, key, window)
}

// ========== 工具方法 ==========

// Close 关闭数据库与 Redis 连接
func (s *Store) Close() error {
	dbErr := s.db.Close()
	cacheErr := s.cache.Close()
	if dbErr != nil {
		return dbErr
	}
	return cacheErr
}

// Health 数据库与 Redis 均可用才视为健康
func (s *Store) Health() error {
	if err := s.db.Health(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.cache.Ping(ctx)
}
