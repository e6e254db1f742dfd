package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

// Store 使用内存保存密钥、应用与使用记录，主要用于开发验证和测试。
type Store struct {
	mu    sync.RWMutex
	keys  map[string]*domain.LicenseKey  // value -> key
	order []string                       // 按创建顺序保存的密钥值
	apps  map[string]*domain.Application // appID -> app
	usage []domain.UsageLog              // 按时间顺序追加

	// 速率限制与黑名单
	rateLimits        map[string]*rateLimitEntry
	rateLimitsCleanup time.Time // 下次清理过期速率限制的时间
	blacklist         map[string]time.Time

	maxUsage int
}

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// NewStore 创建一个内存存储实例。maxUsage 限制保留的使用记录条数，<=0 表示不限制。
func NewStore(maxUsage int) *Store {
	return &Store{
		keys:              make(map[string]*domain.LicenseKey),
		apps:              make(map[string]*domain.Application),
		rateLimits:        make(map[string]*rateLimitEntry),
		rateLimitsCleanup: time.Now().Add(5 * time.Minute),
		blacklist:         make(map[string]time.Time),
		maxUsage:          maxUsage,
	}
}

// ========== Key Repository ==========

// LoadKeys 返回全部密钥的快照（按创建顺序）。
func (s *Store) LoadKeys(ctx context.Context) ([]domain.LicenseKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.LicenseKey, 0, len(s.order))
	for _, v := range s.order {
		out = append(out, *s.keys[v].Clone())
	}
	return out, nil
}

// SaveKeys 用给定集合替换全部密钥。
func (s *Store) SaveKeys(ctx context.Context, keys []domain.LicenseKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*domain.LicenseKey, len(keys))
	order := make([]string, 0, len(keys))
	for i := range keys {
		if _, dup := next[keys[i].Value]; dup {
			return storage.ErrKeyExists
		}
		next[keys[i].Value] = keys[i].Clone()
		order = append(order, keys[i].Value)
	}
	s.keys = next
	s.order = order
	return nil
}

// GetKey 根据密钥值获取密钥。
func (s *Store) GetKey(ctx context.Context, value string) (*domain.LicenseKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[value]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return key.Clone(), nil
}

// CountKeys 统计满足条件的密钥数量。
func (s *Store) CountKeys(ctx context.Context, pred func(*domain.LicenseKey) bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, key := range s.keys {
		if pred(key) {
			n++
		}
	}
	return n, nil
}

// CreateKey 保存新密钥。
func (s *Store) CreateKey(ctx context.Context, key *domain.LicenseKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[key.Value]; exists {
		return storage.ErrKeyExists
	}
	s.keys[key.Value] = key.Clone()
	s.order = append(s.order, key.Value)
	return nil
}

// UpdateKey 在写锁内执行读取-判定-写入。
func (s *Store) UpdateKey(ctx context.Context, value string, fn storage.KeyMutator) (*domain.LicenseKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.keys[value]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}

	working := current.Clone()
	changed, err := fn(working)
	if err != nil {
		return nil, err
	}
	if changed {
		s.keys[value] = working
	}
	return working.Clone(), nil
}

// DeleteKey 删除密钥。
func (s *Store) DeleteKey(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[value]; !ok {
		return storage.ErrKeyNotFound
	}
	delete(s.keys, value)
	for i, v := range s.order {
		if v == value {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// ========== Application Repository ==========

// CreateApplication 保存新应用。
func (s *Store) CreateApplication(ctx context.Context, app *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apps[app.ID]; exists {
		return storage.ErrApplicationExists
	}
	copied := *app
	s.apps[app.ID] = &copied
	return nil
}

// GetApplication 根据 ID 获取应用。
func (s *Store) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, storage.ErrApplicationNotFound
	}
	copied := *app
	return &copied, nil
}

// ListApplications 返回全部应用（按创建时间排序）。
func (s *Store) ListApplications(ctx context.Context) ([]domain.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Application, 0, len(s.apps))
	for _, app := range s.apps {
		out = append(out, *app)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateApplication 更新应用。
func (s *Store) UpdateApplication(ctx context.Context, app *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[app.ID]; !ok {
		return storage.ErrApplicationNotFound
	}
	copied := *app
	s.apps[app.ID] = &copied
	return nil
}

// DeleteApplication 删除应用。
func (s *Store) DeleteApplication(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[id]; !ok {
		return storage.ErrApplicationNotFound
	}
	delete(s.apps, id)
	return nil
}

// ========== Usage Repository ==========

// AppendUsage 追加使用记录。
func (s *Store) AppendUsage(ctx context.Context, entry *domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage = append(s.usage, *entry)
	if s.maxUsage > 0 && len(s.usage) > s.maxUsage {
		s.usage = append([]domain.UsageLog(nil), s.usage[len(s.usage)-s.maxUsage:]...)
	}
	return nil
}

// ListUsage 按时间倒序返回使用记录。
func (s *Store) ListUsage(ctx context.Context, keyValue string, limit int) ([]domain.UsageLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UsageLog, 0)
	for i := len(s.usage) - 1; i >= 0; i-- {
		if keyValue != "" && s.usage[i].KeyValue != keyValue {
			continue
		}
		out = append(out, s.usage[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneUsage 删除早于 before 的使用记录。
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.usage[:0]
	removed := 0
	for _, entry := range s.usage {
		if entry.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.usage = kept
	return removed, nil
}

// ========== JWT 黑名单 ==========

// AddToBlacklist 将 JWT 添加到黑名单
func (s *Store) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blacklist[jti] = time.Now().Add(ttl)
	return nil
}

// IsBlacklisted 检查 JWT 是否在黑名单中
func (s *Store) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	expiresAt, ok := s.blacklist[jti]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		s.mu.Lock()
		delete(s.blacklist, jti)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// ========== 限流 ==========

// IncrementRateLimit 增加限流计数
func (s *Store) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	// 每5分钟清理一次过期条目
	if now.After(s.rateLimitsCleanup) {
		for k, v := range s.rateLimits {
			if now.After(v.ExpiresAt) {
				delete(s.rateLimits, k)
			}
		}
		s.rateLimitsCleanup = now.Add(5 * time.Minute)
	}

	entry, exists := s.rateLimits[key]
	if !exists || now.After(entry.ExpiresAt) {
		entry = &rateLimitEntry{
			Count:     1,
			ExpiresAt: now.Add(window),
		}
		s.rateLimits[key] = entry
		return 1, nil
	}

	entry.Count++
	return entry.Count, nil
}

// ========== 工具方法 ==========

// Close 关闭存储连接
func (s *Store) Close() error {
	return nil
}

// Health 健康检查
func (s *Store) Health() error {
	return nil
}
