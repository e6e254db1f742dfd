package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"keyauth/backend/internal/cache"
	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

// ApplicationService 封装应用管理操作，并为验证流程提供带本地缓存的应用查询。
type ApplicationService struct {
	store    storage.Store
	cache    *cache.LocalCache[domain.Application]
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

// NewApplicationService 创建应用服务
func NewApplicationService(store storage.Store, logger *zap.Logger) *ApplicationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApplicationService{
		store:    store,
		cache:    cache.NewLocalCache[domain.Application](1000, 30*time.Second),
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// Cache 返回本地缓存，供后台清理协程使用
func (s *ApplicationService) Cache() *cache.LocalCache[domain.Application] {
	return s.cache
}

// CreateApplicationInput 创建应用的输入
type CreateApplicationInput struct {
	Name     string              `validate:"required,max=100"`
	OwnerID  string              `validate:"max=64"`
	Settings *domain.AppSettings // nil 使用默认设置
}

// Create 创建应用并生成应用密钥
func (s *ApplicationService) Create(ctx context.Context, input CreateApplicationInput) (*domain.Application, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	settings := domain.DefaultAppSettings()
	if input.Settings != nil {
		settings = *input.Settings
	}
	if settings.MaxActivations < 1 {
		return nil, ErrInvalidMaxActivations
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	app := &domain.Application{
		ID:        uuid.NewString(),
		Name:      input.Name,
		OwnerID:   input.OwnerID,
		Secret:    secret,
		Settings:  settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return nil, err
	}

	s.logger.Info("Application created", zap.String("app_id", app.ID), zap.String("name", app.Name))
	return app, nil
}

// Get 获取应用，优先读取本地缓存
func (s *ApplicationService) Get(ctx context.Context, id string) (*domain.Application, error) {
	if app, ok := s.cache.Get(id); ok {
		return &app, nil
	}

	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(id, *app, 0)
	return app, nil
}

// List 返回全部应用
func (s *ApplicationService) List(ctx context.Context) ([]domain.Application, error) {
	return s.store.ListApplications(ctx)
}

// UpdateApplicationInput 更新应用的输入，nil 字段保持不变
type UpdateApplicationInput struct {
	Name     *string
	Settings *domain.AppSettings
}

// Update 更新应用名称或设置。已绑定的密钥不受 MaxActivations 变更影响。
func (s *ApplicationService) Update(ctx context.Context, id string, input UpdateApplicationInput) (*domain.Application, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if err := domain.ValidateAppName(name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		app.Name = name
	}
	if input.Settings != nil {
		if input.Settings.MaxActivations < 1 {
			return nil, ErrInvalidMaxActivations
		}
		app.Settings = *input.Settings
	}
	app.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)

	if err := s.store.UpdateApplication(ctx, app); err != nil {
		return nil, err
	}
	s.cache.Delete(id)
	return app, nil
}

// RotateSecret 重新生成应用密钥，旧密钥立即失效
func (s *ApplicationService) RotateSecret(ctx context.Context, id string) (*domain.Application, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	app.Secret = secret
	app.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)

	if err := s.store.UpdateApplication(ctx, app); err != nil {
		return nil, err
	}
	s.cache.Delete(id)

	s.logger.Info("Application secret rotated", zap.String("app_id", id))
	return app, nil
}

// Delete 删除应用。仍有密钥引用时拒绝删除。
func (s *ApplicationService) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetApplication(ctx, id); err != nil {
		return err
	}

	n, err := s.store.CountKeys(ctx, func(k *domain.LicenseKey) bool {
		return k.AppID != nil && *k.AppID == id
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrApplicationInUse
	}

	if err := s.store.DeleteApplication(ctx, id); err != nil {
		return err
	}
	s.cache.Delete(id)
	return nil
}
