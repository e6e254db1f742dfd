package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

const (
	keysFile         = "keys.json"
	applicationsFile = "applications.json"
	usageFile        = "usage.json"
)

// Store 文件系统存储实现。
//
// 每类数据保存为一个 JSON 数组文件，所有读写在同一把互斥锁下串行执行；
// 写入先落盘到临时文件再原子重命名，进程崩溃不会留下半截文件。
// 读取总是直接访问磁盘，外部对文件的修改会在下一次调用时生效。
type Store struct {
	basePath      string
	platformUtils *PlatformUtils
	logger        *zap.Logger
	maxUsage      int
	mu            sync.Mutex
}

// NewStore 创建文件系统存储实例
//
// 参数:
//   - basePath: 数据目录，不存在时自动创建
//   - logger: 自愈（文件缺失或损坏）时输出告警
//   - maxUsage: 保留的使用记录条数，<=0 表示不限制
func NewStore(basePath string, logger *zap.Logger, maxUsage int) (*Store, error) {
	platformUtils := NewPlatformUtils()

	if err := platformUtils.ValidatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	normalizedPath := platformUtils.NormalizePath(basePath)

	if err := os.MkdirAll(normalizedPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		basePath:      normalizedPath,
		platformUtils: platformUtils,
		logger:        logger.Named("filesystem"),
		maxUsage:      maxUsage,
	}

	// 启动时即完成自愈，保证三个文件都是合法 JSON 数组
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{keysFile, applicationsFile, usageFile} {
		var raw []json.RawMessage
		if err := s.readJSON(name, &raw); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// ========== 文件读写 ==========

func (s *Store) path(name string) string {
	return filepath.Join(s.basePath, name)
}

// readJSON 读取 JSON 数组文件。
// 文件缺失时初始化为空数组；无法读取或内容损坏时备份为 .corrupt-<unix> 后重置。
func (s *Store) readJSON(name string, v any) error {
	path := s.path(name)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return s.quarantine(name, "Data file unreadable, resetting to empty collection", err, v)
		}
		s.logger.Warn("Data file missing, initializing empty collection",
			zap.String("file", path),
		)
		return s.reset(name, v)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return s.quarantine(name, "Data file corrupt, resetting to empty collection", err, v)
	}

	return nil
}

// quarantine 把坏文件改名保留，再重建空集合。改名失败时返回错误，不覆盖原文件。
func (s *Store) quarantine(name, msg string, cause error, v any) error {
	path := s.path(name)
	backup := s.platformUtils.CorruptName(path, time.Now().Unix())
	s.logger.Warn(msg,
		zap.String("file", path),
		zap.String("backup", backup),
		zap.Error(cause),
	)
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("failed to back up %s: %w", name, err)
	}
	return s.reset(name, v)
}

func (s *Store) reset(name string, v any) error {
	if err := s.writeJSON(name, []any{}); err != nil {
		return err
	}
	return json.Unmarshal([]byte("[]"), v)
}

// writeJSON 原子写入：临时文件 + fsync + rename
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.basePath, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

func (s *Store) loadKeys() ([]domain.LicenseKey, error) {
	keys := []domain.LicenseKey{}
	if err := s.readJSON(keysFile, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) loadApplications() ([]domain.Application, error) {
	apps := []domain.Application{}
	if err := s.readJSON(applicationsFile, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

func (s *Store) loadUsage() ([]domain.UsageLog, error) {
	entries := []domain.UsageLog{}
	if err := s.readJSON(usageFile, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func indexOfKey(keys []domain.LicenseKey, value string) int {
	for i := range keys {
		if keys[i].Value == value {
			return i
		}
	}
	return -1
}

func indexOfApp(apps []domain.Application, id string) int {
	for i := range apps {
		if apps[i].ID == id {
			return i
		}
	}
	return -1
}

// ========== Key Repository ==========

// LoadKeys 返回磁盘上的全部密钥
func (s *Store) LoadKeys(ctx context.Context) ([]domain.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadKeys()
}

// SaveKeys 原子替换整个密钥文件
func (s *Store) SaveKeys(ctx context.Context, keys []domain.LicenseKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(keys))
	for i := range keys {
		if _, dup := seen[keys[i].Value]; dup {
			return storage.ErrKeyExists
		}
		seen[keys[i].Value] = struct{}{}
	}
	if keys == nil {
		keys = []domain.LicenseKey{}
	}
	return s.writeJSON(keysFile, keys)
}

// GetKey 根据密钥值获取密钥
func (s *Store) GetKey(ctx context.Context, value string) (*domain.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadKeys()
	if err != nil {
		return nil, err
	}
	i := indexOfKey(keys, value)
	if i < 0 {
		return nil, storage.ErrKeyNotFound
	}
	return &keys[i], nil
}

// CountKeys 统计满足条件的密钥数量
func (s *Store) CountKeys(ctx context.Context, pred func(*domain.LicenseKey) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadKeys()
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

// CreateKey 追加新密钥
func (s *Store) CreateKey(ctx context.Context, key *domain.LicenseKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadKeys()
	if err != nil {
		return err
	}
	if indexOfKey(keys, key.Value) >= 0 {
		return storage.ErrKeyExists
	}
	return s.writeJSON(keysFile, append(keys, *key.Clone()))
}

// UpdateKey 在锁内完成 读取-判定-写入
func (s *Store) UpdateKey(ctx context.Context, value string, fn storage.KeyMutator) (*domain.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadKeys()
	if err != nil {
		return nil, err
	}
	i := indexOfKey(keys, value)
	if i < 0 {
		return nil, storage.ErrKeyNotFound
	}

	working := keys[i].Clone()
	changed, err := fn(working)
	if err != nil {
		return nil, err
	}
	if changed {
		keys[i] = *working
		if err := s.writeJSON(keysFile, keys); err != nil {
			return nil, err
		}
	}
	return working.Clone(), nil
}

// DeleteKey 删除密钥
func (s *Store) DeleteKey(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.loadKeys()
	if err != nil {
		return err
	}
	i := indexOfKey(keys, value)
	if i < 0 {
		return storage.ErrKeyNotFound
	}
	return s.writeJSON(keysFile, append(keys[:i], keys[i+1:]...))
}

// ========== Application Repository ==========

// CreateApplication 保存新应用
func (s *Store) CreateApplication(ctx context.Context, app *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	apps, err := s.loadApplications()
	if err != nil {
		return err
	}
	if indexOfApp(apps, app.ID) >= 0 {
		return storage.ErrApplicationExists
	}
	return s.writeJSON(applicationsFile, append(apps, *app))
}

// GetApplication 根据 ID 获取应用
func (s *Store) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	apps, err := s.loadApplications()
	if err != nil {
		return nil, err
	}
	i := indexOfApp(apps, id)
	if i < 0 {
		return nil, storage.ErrApplicationNotFound
	}
	return &apps[i], nil
}

// ListApplications 按创建时间返回全部应用
func (s *Store) ListApplications(ctx context.Context) ([]domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	apps, err := s.loadApplications()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(apps, func(i, j int) bool {
		return apps[i].CreatedAt.Before(apps[j].CreatedAt)
	})
	return apps, nil
}

// UpdateApplication 更新应用
func (s *Store) UpdateApplication(ctx context.Context, app *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	apps, err := s.loadApplications()
	if err != nil {
		return err
	}
	i := indexOfApp(apps, app.ID)
	if i < 0 {
		return storage.ErrApplicationNotFound
	}
	apps[i] = *app
	return s.writeJSON(applicationsFile, apps)
}

// DeleteApplication 删除应用
func (s *Store) DeleteApplication(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	apps, err := s.loadApplications()
	if err != nil {
		return err
	}
	i := indexOfApp(apps, id)
	if i < 0 {
		return storage.ErrApplicationNotFound
	}
	return s.writeJSON(applicationsFile, append(apps[:i], apps[i+1:]...))
}

// ========== Usage Repository ==========

// AppendUsage 追加使用记录
func (s *Store) AppendUsage(ctx context.Context, entry *domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadUsage()
	if err != nil {
		return err
	}
	entries = append(entries, *entry)
	if s.maxUsage > 0 && len(entries) > s.maxUsage {
		entries = entries[len(entries)-s.maxUsage:]
	}
	return s.writeJSON(usageFile, entries)
}

// ListUsage 按时间倒序返回使用记录
func (s *Store) ListUsage(ctx context.Context, keyValue string, limit int) ([]domain.UsageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadUsage()
	if err != nil {
		return nil, err
	}

	out := make([]domain.UsageLog, 0)
	for i := len(entries) - 1; i >= 0; i-- {
		if keyValue != "" && entries[i].KeyValue != keyValue {
			continue
		}
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneUsage 删除早于 before 的使用记录
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadUsage()
	if err != nil {
		return 0, err
	}
	kept := make([]domain.UsageLog, 0, len(entries))
	for _, entry := range entries {
		if !entry.CreatedAt.Before(before) {
			kept = append(kept, entry)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.writeJSON(usageFile, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// ========== 工具方法 ==========

// Close 文件存储无需释放资源
func (s *Store) Close() error {
	return nil
}

// Health 检查数据目录可访问
func (s *Store) Health() error {
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("data directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path is not a directory: %s", s.basePath)
	}
	return nil
}

// BasePath 返回数据目录
func (s *Store) BasePath() string {
	return s.basePath
}
