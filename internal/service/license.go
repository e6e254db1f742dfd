package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"keyauth/backend/internal/config"
	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/monitoring"
	"keyauth/backend/internal/storage"
)

const (
	// maxGenerateAttempts 密钥值冲突时的最大重试次数
	maxGenerateAttempts = 5
	// maxDurationMs 有效期上限（100 年）
	maxDurationMs = int64(100 * 365 * 24 * time.Hour / time.Millisecond)
)

// EventPublisher 接收密钥变更事件，例如推送给管理端 websocket
type EventPublisher interface {
	Publish(event domain.Event)
}

// LicenseService 封装密钥生成、验证与管理操作。
type LicenseService struct {
	store    storage.Store
	apps     *ApplicationService
	cfg      config.LicenseConfig
	validate *validator.Validate
	logger   *zap.Logger

	metrics   *monitoring.Metrics
	usage     *UsageRecorder
	publisher EventPublisher
	now       func() time.Time
}

// NewLicenseService 创建密钥服务
func NewLicenseService(store storage.Store, apps *ApplicationService, cfg config.LicenseConfig, logger *zap.Logger) *LicenseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultMaxActivations < 1 {
		cfg.DefaultMaxActivations = 1
	}
	return &LicenseService{
		store:    store,
		apps:     apps,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetMetrics 设置监控指标
func (s *LicenseService) SetMetrics(m *monitoring.Metrics) { s.metrics = m }

// SetUsageRecorder 设置使用记录器
func (s *LicenseService) SetUsageRecorder(r *UsageRecorder) { s.usage = r }

// SetPublisher 设置事件发布器
func (s *LicenseService) SetPublisher(p EventPublisher) { s.publisher = p }

// SetClock 替换时间源，测试中使用
func (s *LicenseService) SetClock(now func() time.Time) { s.now = now }

// GenerateInput 生成密钥的输入
type GenerateInput struct {
	DurationMs     *int64 // nil 表示永不过期，<=0 表示创建即过期
	MaxActivations *int   // nil 使用应用或全局默认值
	AppID          string `validate:"max=36"`
	OwnerID        string `validate:"max=64"`
	Note           string `validate:"max=255"`
}

// Generate 生成新密钥
func (s *LicenseService) Generate(ctx context.Context, input GenerateInput) (*domain.LicenseKey, error) {
	if input.MaxActivations != nil && *input.MaxActivations < 1 {
		return nil, ErrInvalidMaxActivations
	}
	if input.DurationMs != nil && *input.DurationMs > maxDurationMs {
		return nil, ErrInvalidDuration
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	maxActivations := s.cfg.DefaultMaxActivations
	var appID *string
	if input.AppID != "" {
		app, err := s.apps.Get(ctx, input.AppID)
		if errors.Is(err, storage.ErrApplicationNotFound) {
			return nil, ErrInvalidAppReference
		}
		if err != nil {
			return nil, err
		}
		if app.Settings.MaxActivations > 0 {
			maxActivations = app.Settings.MaxActivations
		}
		appID = &app.ID
	}
	if input.MaxActivations != nil {
		maxActivations = *input.MaxActivations
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	key := &domain.LicenseKey{
		AppID:          appID,
		Note:           input.Note,
		CreatedAt:      now,
		MaxActivations: maxActivations,
	}
	if input.OwnerID != "" {
		owner := input.OwnerID
		key.OwnerID = &owner
	}
	if input.DurationMs != nil {
		expiresAt := now
		if *input.DurationMs > 0 {
			expiresAt = now.Add(time.Duration(*input.DurationMs) * time.Millisecond)
		}
		key.ExpiresAt = &expiresAt
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		value, err := GenerateKeyValue(s.cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		key.Value = value

		err = s.store.CreateKey(ctx, key)
		if errors.Is(err, storage.ErrKeyExists) {
			s.logger.Warn("Generated key collided, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("License key generated",
			zap.String("key", key.Value),
			zap.Int("max_activations", key.MaxActivations),
		)
		if s.metrics != nil {
			s.metrics.RecordKeyGenerated()
		}
		s.publish(domain.EventKeyGenerated, key.Value, key)
		return key, nil
	}
	return nil, ErrKeyGenerationFailed
}

// ValidateInput 验证密钥的输入
type ValidateInput struct {
	Value     string `validate:"required,max=64"`
	HWID      string
	AppID     string `validate:"max=36"`
	AppSecret string
	IP        string
}

// Validate 验证密钥并在需要时绑定硬件指纹。
// 判定顺序: not_found, banned, expired, hwid_mismatch, max_activations。
// 判定与写入在 store.UpdateKey 内原子完成，并发首次验证只有一个 HWID 能绑定成功。
func (s *LicenseService) Validate(ctx context.Context, input ValidateInput) (*domain.Verdict, error) {
	input.Value = domain.NormalizeKey(input.Value)
	input.HWID = strings.TrimSpace(input.HWID)
	if input.HWID == "" {
		return nil, ErrHWIDRequired
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := domain.ValidateHWID(input.HWID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	app, verdict, err := s.resolveApp(ctx, input)
	if err != nil {
		return nil, err
	}
	if verdict == nil {
		verdict, err = s.decide(ctx, input, app)
		if err != nil {
			return nil, err
		}
	}

	s.afterValidate(input, app, verdict)
	return verdict, nil
}

// resolveApp 确定本次验证适用的应用。返回非 nil verdict 时验证已结束。
func (s *LicenseService) resolveApp(ctx context.Context, input ValidateInput) (*domain.Application, *domain.Verdict, error) {
	if input.AppID != "" {
		app, err := s.apps.Get(ctx, input.AppID)
		if errors.Is(err, storage.ErrApplicationNotFound) {
			return nil, domain.Rejected(domain.ReasonNotFound), nil
		}
		if err != nil {
			return nil, nil, err
		}
		if err := s.checkSecret(app, input.AppSecret); err != nil {
			return nil, nil, err
		}
		return app, nil, nil
	}

	// 未指定应用时按密钥所属应用取设置；应用 ID 创建后不变，可在事务外读取
	key, err := s.store.GetKey(ctx, input.Value)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, domain.Rejected(domain.ReasonNotFound), nil
	}
	if err != nil {
		return nil, nil, err
	}
	if key.AppID == nil {
		return nil, nil, nil
	}
	app, err := s.apps.Get(ctx, *key.AppID)
	if errors.Is(err, storage.ErrApplicationNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	// 省略 appId 不能绕过应用密钥校验
	if err := s.checkSecret(app, input.AppSecret); err != nil {
		return nil, nil, err
	}
	return app, nil, nil
}

// checkSecret 开启 require_app_secret 时以常量时间比较应用密钥
func (s *LicenseService) checkSecret(app *domain.Application, secret string) error {
	if !s.cfg.RequireAppSecret {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(app.Secret), []byte(secret)) != 1 {
		return ErrInvalidAppSecret
	}
	return nil
}

func (s *LicenseService) decide(ctx context.Context, input ValidateInput, app *domain.Application) (*domain.Verdict, error) {
	hwidLock := app == nil || app.Settings.HWIDLock
	now := s.now().UTC().Truncate(time.Millisecond)

	var verdict *domain.Verdict
	_, err := s.store.UpdateKey(ctx, input.Value, func(k *domain.LicenseKey) (bool, error) {
		if input.AppID != "" && (k.AppID == nil || *k.AppID != input.AppID) {
			verdict = domain.Rejected(domain.ReasonNotFound)
			return false, nil
		}
		var changed bool
		verdict, changed = Evaluate(k, hwidLock, input.HWID, now)
		return changed, nil
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return domain.Rejected(domain.ReasonNotFound), nil
	}
	if err != nil {
		return nil, err
	}

	if verdict.Valid && app != nil {
		verdict.AppName = app.Name
		verdict.ScreenshotRequired = app.Settings.ScreenshotRequired
	}
	return verdict, nil
}

// Evaluate 对单个密钥做出验证判定，必要时就地修改密钥。
// 返回 changed=true 表示密钥需要持久化。
func Evaluate(k *domain.LicenseKey, hwidLock bool, hwid string, now time.Time) (verdict *domain.Verdict, changed bool) {
	if c := domain.Classify(k, now); c != domain.StatusActive {
		return domain.Rejected(domain.ReasonFor(c)), false
	}

	bound := false
	if hwidLock && !k.IsBoundTo(hwid) {
		limit := max(k.MaxActivations, 1)
		count := k.BoundCount()
		switch {
		case count == 0 && k.Activations >= limit:
			return domain.Rejected(domain.ReasonMaxActivations), false
		case count > 0 && limit == 1:
			return domain.Rejected(domain.ReasonHWIDMismatch), false
		case count >= limit:
			return domain.Rejected(domain.ReasonMaxActivations), false
		}
		k.Bind(hwid, now)
		bound = true
	}

	used := now
	k.LastUsed = &used
	created := k.CreatedAt
	verdict = &domain.Verdict{
		Valid:     true,
		CreatedAt: &created,
		Bound:     bound,
	}
	if k.ExpiresAt != nil {
		expires := *k.ExpiresAt
		verdict.ExpiresAt = &expires
	}
	return verdict, true
}

func (s *LicenseService) afterValidate(input ValidateInput, app *domain.Application, verdict *domain.Verdict) {
	result := domain.UsageResult(verdict)
	if s.metrics != nil {
		s.metrics.RecordValidation(result, verdict.Bound)
	}

	if verdict.Valid {
		s.logger.Debug("License validated", zap.String("key", input.Value), zap.Bool("bound", verdict.Bound))
	} else {
		s.logger.Info("License rejected", zap.String("key", input.Value), zap.String("reason", result))
	}

	if verdict.Reason == domain.ReasonNotFound {
		// 不记录不存在的密钥，避免随机探测写满使用记录
		return
	}
	if s.usage != nil {
		entry := domain.UsageLog{
			KeyValue: input.Value,
			HWID:     input.HWID,
			IP:       input.IP,
			Result:   result,
		}
		if app != nil {
			entry.AppID = app.ID
		}
		s.usage.Record(entry)
	}
	s.publish(domain.EventKeyValidated, input.Value, map[string]any{"result": result, "hwid": input.HWID})
}

// Check 只读检查密钥状态（not_found, banned, expired），不绑定硬件指纹。
// 供旧版客户端在不提供 HWID 时使用。属于某个应用的密钥同样校验应用密钥。
func (s *LicenseService) Check(ctx context.Context, value, appSecret string) (*domain.Verdict, error) {
	value = domain.NormalizeKey(value)
	if value == "" {
		return domain.Rejected(domain.ReasonNotFound), nil
	}

	key, err := s.store.GetKey(ctx, value)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return domain.Rejected(domain.ReasonNotFound), nil
	}
	if err != nil {
		return nil, err
	}

	var app *domain.Application
	if key.AppID != nil {
		app, err = s.apps.Get(ctx, *key.AppID)
		if err != nil && !errors.Is(err, storage.ErrApplicationNotFound) {
			return nil, err
		}
		if app != nil {
			if err := s.checkSecret(app, appSecret); err != nil {
				return nil, err
			}
		}
	}

	if c := domain.Classify(key, s.now()); c != domain.StatusActive {
		return domain.Rejected(domain.ReasonFor(c)), nil
	}
	verdict := &domain.Verdict{Valid: true, ExpiresAt: key.ExpiresAt, CreatedAt: &key.CreatedAt}
	if app != nil {
		verdict.AppName = app.Name
		verdict.ScreenshotRequired = app.Settings.ScreenshotRequired
	}
	return verdict, nil
}

// ========== 管理操作 ==========

// Ban 封禁密钥（幂等）
func (s *LicenseService) Ban(ctx context.Context, value string) error {
	return s.mutate(ctx, value, "ban", domain.EventKeyBanned, func(k *domain.LicenseKey) (bool, error) {
		if k.Banned {
			return false, nil
		}
		k.Banned = true
		return true, nil
	})
}

// Unban 解除封禁（幂等）
func (s *LicenseService) Unban(ctx context.Context, value string) error {
	return s.mutate(ctx, value, "unban", domain.EventKeyUnbanned, func(k *domain.LicenseKey) (bool, error) {
		if !k.Banned {
			return false, nil
		}
		k.Banned = false
		return true, nil
	})
}

// ResetHWID 清除全部硬件绑定，激活计数归零
func (s *LicenseService) ResetHWID(ctx context.Context, value string) error {
	return s.mutate(ctx, value, "reset_hwid", domain.EventKeyUpdated, func(k *domain.LicenseKey) (bool, error) {
		if k.BoundCount() == 0 && k.Activations == 0 {
			return false, nil
		}
		k.ResetBindings()
		return true, nil
	})
}

// Extend 修改过期时间，nil 表示永不过期
func (s *LicenseService) Extend(ctx context.Context, value string, expiresAt *time.Time) error {
	return s.mutate(ctx, value, "extend", domain.EventKeyUpdated, func(k *domain.LicenseKey) (bool, error) {
		if expiresAt == nil {
			k.ExpiresAt = nil
		} else {
			t := expiresAt.UTC()
			k.ExpiresAt = &t
		}
		return true, nil
	})
}

// SetMaxActivations 修改最大激活数。调低时已有绑定保留，只限制新的绑定。
func (s *LicenseService) SetMaxActivations(ctx context.Context, value string, n int) error {
	if n < 1 {
		return ErrInvalidMaxActivations
	}
	return s.mutate(ctx, value, "set_max_activations", domain.EventKeyUpdated, func(k *domain.LicenseKey) (bool, error) {
		if k.MaxActivations == n {
			return false, nil
		}
		k.MaxActivations = n
		return true, nil
	})
}

// Delete 删除密钥
func (s *LicenseService) Delete(ctx context.Context, value string) error {
	value = domain.NormalizeKey(value)
	if err := s.store.DeleteKey(ctx, value); err != nil {
		return err
	}
	s.logger.Info("License key deleted", zap.String("key", value))
	if s.metrics != nil {
		s.metrics.RecordAdminOperation("delete")
	}
	s.publish(domain.EventKeyDeleted, value, nil)
	return nil
}

func (s *LicenseService) mutate(ctx context.Context, value, op, event string, fn storage.KeyMutator) error {
	value = domain.NormalizeKey(value)
	key, err := s.store.UpdateKey(ctx, value, fn)
	if err != nil {
		return err
	}

	s.logger.Info("License key updated", zap.String("key", value), zap.String("op", op))
	if s.metrics != nil {
		s.metrics.RecordAdminOperation(op)
	}
	s.publish(event, value, key)
	return nil
}

func (s *LicenseService) publish(eventType, key string, data any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(domain.Event{
		Type: eventType,
		Key:  key,
		Data: data,
		Time: s.now().UTC(),
	})
}

// ========== 查询 ==========

// GetKey 获取单个密钥
func (s *LicenseService) GetKey(ctx context.Context, value string) (*domain.LicenseKey, error) {
	return s.store.GetKey(ctx, domain.NormalizeKey(value))
}

// ListKeys 按条件列出密钥
func (s *LicenseService) ListKeys(ctx context.Context, filter domain.KeyFilter) ([]domain.LicenseKey, error) {
	keys, err := s.store.LoadKeys(ctx)
	if err != nil {
		return nil, err
	}
	return storage.FilterKeys(keys, filter, s.now()), nil
}

// ListUsage 列出密钥的使用记录
func (s *LicenseService) ListUsage(ctx context.Context, value string, limit int) ([]domain.UsageLog, error) {
	value = domain.NormalizeKey(value)
	if _, err := s.store.GetKey(ctx, value); err != nil {
		return nil, err
	}
	return s.store.ListUsage(ctx, value, limit)
}

// CountActive 统计活跃密钥数
func (s *LicenseService) CountActive(ctx context.Context) (int, error) {
	return s.countByStatus(ctx, domain.StatusActive)
}

// CountBanned 统计封禁密钥数
func (s *LicenseService) CountBanned(ctx context.Context) (int, error) {
	return s.countByStatus(ctx, domain.StatusBanned)
}

// CountExpired 统计过期密钥数（不含已封禁）
func (s *LicenseService) CountExpired(ctx context.Context) (int, error) {
	return s.countByStatus(ctx, domain.StatusExpired)
}

func (s *LicenseService) countByStatus(ctx context.Context, status domain.Classification) (int, error) {
	now := s.now()
	return s.store.CountKeys(ctx, func(k *domain.LicenseKey) bool {
		return domain.Classify(k, now) == status
	})
}

// Stats 基于同一时刻的快照统计密钥状态，active + banned + expired == total
func (s *LicenseService) Stats(ctx context.Context) (*domain.KeyStatistics, error) {
	keys, err := s.store.LoadKeys(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stats := &domain.KeyStatistics{}
	for i := range keys {
		stats.Add(domain.Classify(&keys[i], now))
	}

	if s.metrics != nil {
		s.metrics.UpdateKeyStatistics(stats.ActiveKeys, stats.BannedKeys, stats.ExpiredKeys)
	}
	return stats, nil
}
