package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"keyauth/backend/internal/config"
	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

// Store 基于 GORM 的关系型数据库存储实现，支持 PostgreSQL、MySQL 与 SQLite
type Store struct {
	db *gorm.DB
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewSQLiteStore 创建 SQLite 存储实例（单机部署或测试）
func NewSQLiteStore(dsn string) (*Store, error) {
	store, err := NewStoreWithDialector(sqlite.Open(dsn))
	if err != nil {
		return nil, err
	}
	// SQLite 只允许一个写入者
	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return store, nil
}

// Open 根据数据库配置选择 dialector 并应用连接池参数
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var (
		store *Store
		err   error
	)
	switch cfg.Type {
	case "postgres":
		store, err = NewStore(cfg.DSN)
	case "mysql":
		store, err = NewMySQLStore(cfg.DSN)
	case "sqlite":
		return NewSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return store, nil
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.LicenseKey{},
		&domain.Application{},
		&domain.UsageLog{},
	)
}

// DB 返回底层 GORM 实例
func (s *Store) DB() *gorm.DB {
	return s.db
}

// isDuplicate 判断是否为主键冲突
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}

// ========== Key Repository ==========

// LoadKeys 返回全部密钥（按创建时间）
func (s *Store) LoadKeys(ctx context.Context) ([]domain.LicenseKey, error) {
	var keys []domain.LicenseKey
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// SaveKeys 在单个事务中替换全部密钥
func (s *Store) SaveKeys(ctx context.Context, keys []domain.LicenseKey) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.LicenseKey{}).Error; err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&keys, 100).Error; err != nil {
			if isDuplicate(err) {
				return storage.ErrKeyExists
			}
			return err
		}
		return nil
	})
}

// GetKey 根据密钥值获取密钥
func (s *Store) GetKey(ctx context.Context, value string) (*domain.LicenseKey, error) {
	var key domain.LicenseKey
	err := s.db.WithContext(ctx).Where("value = ?", value).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

// CountKeys 统计满足条件的密钥数量
func (s *Store) CountKeys(ctx context.Context, pred func(*domain.LicenseKey) bool) (int, error) {
	keys, err := s.LoadKeys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range keys {
		if pred(&keys[i]) {
			n++
		}
	}
	return n, nil
}

// CreateKey 插入新密钥，主键冲突返回 ErrKeyExists
func (s *Store) CreateKey(ctx context.Context, key *domain.LicenseKey) error {
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		if isDuplicate(err) {
			return storage.ErrKeyExists
		}
		return err
	}
	return nil
}

// UpdateKey 在事务中以 SELECT ... FOR UPDATE 锁定行后执行修改
func (s *Store) UpdateKey(ctx context.Context, value string, fn storage.KeyMutator) (*domain.LicenseKey, error) {
	var result *domain.LicenseKey

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key domain.LicenseKey
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("value = ?", value).
			First(&key).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrKeyNotFound
			}
			return err
		}

		changed, err := fn(&key)
		if err != nil {
			return err
		}
		if changed {
			if err := tx.Save(&key).Error; err != nil {
				return err
			}
		}
		result = &key
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteKey 删除密钥
func (s *Store) DeleteKey(ctx context.Context, value string) error {
	res := s.db.WithContext(ctx).Where("value = ?", value).Delete(&domain.LicenseKey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrKeyNotFound
	}
	return nil
}

// ========== Application Repository ==========

// CreateApplication 插入新应用
func (s *Store) CreateApplication(ctx context.Context, app *domain.Application) error {
	if err := s.db.WithContext(ctx).Create(app).Error; err != nil {
		if isDuplicate(err) {
			return storage.ErrApplicationExists
		}
		return err
	}
	return nil
}

// GetApplication 根据 ID 获取应用
func (s *Store) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	var app domain.Application
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&app).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrApplicationNotFound
		}
		return nil, err
	}
	return &app, nil
}

// ListApplications 按创建时间返回全部应用
func (s *Store) ListApplications(ctx context.Context) ([]domain.Application, error) {
	var apps []domain.Application
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&apps).Error; err != nil {
		return nil, err
	}
	return apps, nil
}

// UpdateApplication 更新应用
func (s *Store) UpdateApplication(ctx context.Context, app *domain.Application) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.Application{}).Where("id = ?", app.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return storage.ErrApplicationNotFound
	}
	return s.db.WithContext(ctx).Save(app).Error
}

// DeleteApplication 删除应用
func (s *Store) DeleteApplication(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Application{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrApplicationNotFound
	}
	return nil
}

// ========== Usage Repository ==========

// AppendUsage 插入使用记录
func (s *Store) AppendUsage(ctx context.Context, entry *domain.UsageLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// ListUsage 按时间倒序返回使用记录
func (s *Store) ListUsage(ctx context.Context, keyValue string, limit int) ([]domain.UsageLog, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if keyValue != "" {
		query = query.Where("key_value = ?", keyValue)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []domain.UsageLog
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// PruneUsage 删除早于 before 的使用记录
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&domain.UsageLog{})
	return int(res.RowsAffected), res.Error
}

// ========== 工具方法 ==========

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 健康检查
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
