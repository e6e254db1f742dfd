package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL），直接使用 database/sql 执行语句
type Store struct {
	db         *sql.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建SQL数据库存储
//
// 参数:
//   - driverName: "mysql" 或 "postgres"
//   - dsn: 连接字符串，MySQL 需要携带 parseTime=true
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := newWithDB(db, driverName)

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// newWithDB 使用已有连接构造存储，不执行迁移
func newWithDB(db *sql.DB, driverName string) *Store {
	return &Store{db: db, driverName: driverName}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// migrate 通过 GORM AutoMigrate 建表，表结构与 GORM 存储保持一致
func (s *Store) migrate() error {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var dialector gorm.Dialector
	if s.driverName == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: s.db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: s.db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize GORM: %w", err)
	}

	return gormDB.AutoMigrate(
		&domain.LicenseKey{},
		&domain.Application{},
		&domain.UsageLog{},
	)
}

// placeholder 根据数据库类型返回占位符
func (s *Store) placeholder(n int) string {
	if s.driverName == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// rebind 将查询中的 ? 替换为当前数据库的占位符
func (s *Store) rebind(query string) string {
	if s.driverName != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isDuplicate 判断是否为唯一约束冲突
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ========== Key Repository ==========

const keyColumns = `value, app_id, owner_id, note, created_at, expires_at, banned, hwid, bound_hwids,
		       activations, max_activations, last_activation, last_used`

func scanKey(row rowScanner) (*domain.LicenseKey, error) {
	var (
		key            domain.LicenseKey
		appID, ownerID sql.NullString
		note, hwid     sql.NullString
		bound          sql.NullString
		expiresAt      sql.NullTime
		lastActivation sql.NullTime
		lastUsed       sql.NullTime
	)

	err := row.Scan(
		&key.Value,
		&appID,
		&ownerID,
		&note,
		&key.CreatedAt,
		&expiresAt,
		&key.Banned,
		&hwid,
		&bound,
		&key.Activations,
		&key.MaxActivations,
		&lastActivation,
		&lastUsed,
	)
	if err != nil {
		return nil, err
	}

	if appID.Valid {
		key.AppID = &appID.String
	}
	if ownerID.Valid {
		key.OwnerID = &ownerID.String
	}
	key.Note = note.String
	if hwid.Valid {
		key.HWID = &hwid.String
	}
	if bound.Valid && bound.String != "" {
		if err := json.Unmarshal([]byte(bound.String), &key.BoundHWIDs); err != nil {
			return nil, fmt.Errorf("invalid bound_hwids for %s: %w", key.Value, err)
		}
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastActivation.Valid {
		key.LastActivation = &lastActivation.Time
	}
	if lastUsed.Valid {
		key.LastUsed = &lastUsed.Time
	}
	return &key, nil
}

// keyArgs 返回与 keyColumns 顺序一致的参数
func keyArgs(key *domain.LicenseKey) ([]any, error) {
	bound, err := json.Marshal(key.BoundHWIDs)
	if err != nil {
		return nil, err
	}
	return []any{
		key.Value,
		key.AppID,
		key.OwnerID,
		key.Note,
		key.CreatedAt,
		key.ExpiresAt,
		key.Banned,
		key.HWID,
		string(bound),
		key.Activations,
		key.MaxActivations,
		key.LastActivation,
		key.LastUsed,
	}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertKey(ctx context.Context, exec execer, key *domain.LicenseKey) error {
	args, err := keyArgs(key)
	if err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO license_keys (` + keyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		if isDuplicate(err) {
			return storage.ErrKeyExists
		}
		return err
	}
	return nil
}

// LoadKeys 返回全部密钥（按创建时间）
func (s *Store) LoadKeys(ctx context.Context) ([]domain.LicenseKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM license_keys ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]domain.LicenseKey, 0)
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// SaveKeys 在单个事务中替换全部密钥
func (s *Store) SaveKeys(ctx context.Context, keys []domain.LicenseKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM license_keys`); err != nil {
		return err
	}
	for i := range keys {
		if err := s.insertKey(ctx, tx, &keys[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetKey 根据密钥值获取密钥
func (s *Store) GetKey(ctx context.Context, value string) (*domain.LicenseKey, error) {
	query := s.rebind(`SELECT ` + keyColumns + ` FROM license_keys WHERE value = ?`)
	key, err := scanKey(s.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, err
	}
	return key, nil
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

// CreateKey 插入新密钥
func (s *Store) CreateKey(ctx context.Context, key *domain.LicenseKey) error {
	return s.insertKey(ctx, s.db, key)
}

// UpdateKey 在事务内 SELECT ... FOR UPDATE 后执行修改
func (s *Store) UpdateKey(ctx context.Context, value string, fn storage.KeyMutator) (*domain.LicenseKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := s.rebind(`SELECT ` + keyColumns + ` FROM license_keys WHERE value = ? FOR UPDATE`)
	key, err := scanKey(tx.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrKeyNotFound
		}
		return nil, err
	}

	changed, err := fn(key)
	if err != nil {
		return nil, err
	}
	if !changed {
		return key, tx.Commit()
	}

	bound, err := json.Marshal(key.BoundHWIDs)
	if err != nil {
		return nil, err
	}
	update := s.rebind(`
		UPDATE license_keys
		SET expires_at = ?, banned = ?, hwid = ?, bound_hwids = ?, activations = ?,
		    max_activations = ?, last_activation = ?, last_used = ?, note = ?
		WHERE value = ?
	`)
	_, err = tx.ExecContext(ctx, update,
		key.ExpiresAt,
		key.Banned,
		key.HWID,
		string(bound),
		key.Activations,
		key.MaxActivations,
		key.LastActivation,
		key.LastUsed,
		key.Note,
		key.Value,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return key, nil
}

// DeleteKey 删除密钥
func (s *Store) DeleteKey(ctx context.Context, value string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM license_keys WHERE value = ?`), value)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrKeyNotFound
	}
	return nil
}

// ========== Application Repository ==========

const appColumns = `id, name, owner_id, secret, setting_hwid_lock, setting_screenshot_required,
		       setting_max_activations, created_at, updated_at`

func scanApplication(row rowScanner) (*domain.Application, error) {
	var (
		app     domain.Application
		ownerID sql.NullString
	)
	err := row.Scan(
		&app.ID,
		&app.Name,
		&ownerID,
		&app.Secret,
		&app.Settings.HWIDLock,
		&app.Settings.ScreenshotRequired,
		&app.Settings.MaxActivations,
		&app.CreatedAt,
		&app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	app.OwnerID = ownerID.String
	return &app, nil
}

// CreateApplication 插入新应用
func (s *Store) CreateApplication(ctx context.Context, app *domain.Application) error {
	query := s.rebind(`
		INSERT INTO applications (` + appColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		app.ID,
		app.Name,
		app.OwnerID,
		app.Secret,
		app.Settings.HWIDLock,
		app.Settings.ScreenshotRequired,
		app.Settings.MaxActivations,
		app.CreatedAt,
		app.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return storage.ErrApplicationExists
		}
		return err
	}
	return nil
}

// GetApplication 根据 ID 获取应用
func (s *Store) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	query := s.rebind(`SELECT ` + appColumns + ` FROM applications WHERE id = ?`)
	app, err := scanApplication(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrApplicationNotFound
		}
		return nil, err
	}
	return app, nil
}

// ListApplications 按创建时间返回全部应用
func (s *Store) ListApplications(ctx context.Context) ([]domain.Application, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+appColumns+` FROM applications ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}

// UpdateApplication 更新应用
func (s *Store) UpdateApplication(ctx context.Context, app *domain.Application) error {
	query := s.rebind(`
		UPDATE applications
		SET name = ?, secret = ?, setting_hwid_lock = ?, setting_screenshot_required = ?,
		    setting_max_activations = ?, updated_at = ?
		WHERE id = ?
	`)
	res, err := s.db.ExecContext(ctx, query,
		app.Name,
		app.Secret,
		app.Settings.HWIDLock,
		app.Settings.ScreenshotRequired,
		app.Settings.MaxActivations,
		app.UpdatedAt,
		app.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrApplicationNotFound
	}
	return nil
}

// DeleteApplication 删除应用
func (s *Store) DeleteApplication(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM applications WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrApplicationNotFound
	}
	return nil
}

// ========== Usage Repository ==========

// AppendUsage 插入使用记录
func (s *Store) AppendUsage(ctx context.Context, entry *domain.UsageLog) error {
	query := s.rebind(`
		INSERT INTO usage_logs (id, key_value, app_id, hwid, ip, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.KeyValue,
		entry.AppID,
		entry.HWID,
		entry.IP,
		entry.Result,
		entry.CreatedAt,
	)
	return err
}

// ListUsage 按时间倒序返回使用记录
func (s *Store) ListUsage(ctx context.Context, keyValue string, limit int) ([]domain.UsageLog, error) {
	query := `SELECT id, key_value, app_id, hwid, ip, result, created_at FROM usage_logs`
	args := []any{}
	if keyValue != "" {
		query += ` WHERE key_value = ?`
		args = append(args, keyValue)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.UsageLog, 0)
	for rows.Next() {
		var (
			entry           domain.UsageLog
			appID, hwid, ip sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.KeyValue, &appID, &hwid, &ip, &entry.Result, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.AppID = appID.String
		entry.HWID = hwid.String
		entry.IP = ip.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PruneUsage 删除早于 before 的使用记录
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM usage_logs WHERE created_at < ?`), before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
