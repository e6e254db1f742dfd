package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

// MockStore 模拟存储接口
type MockStore struct {
	mock.Mock
}

func (m *MockStore) LoadKeys(ctx context.Context) ([]domain.LicenseKey, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.LicenseKey), args.Error(1)
}

func (m *MockStore) SaveKeys(ctx context.Context, keys []domain.LicenseKey) error {
	return m.Called(ctx, keys).Error(0)
}

func (m *MockStore) GetKey(ctx context.Context, value string) (*domain.LicenseKey, error) {
	args := m.Called(ctx, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LicenseKey), args.Error(1)
}

func (m *MockStore) CountKeys(ctx context.Context, pred func(*domain.LicenseKey) bool) (int, error) {
	args := m.Called(ctx, pred)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) CreateKey(ctx context.Context, key *domain.LicenseKey) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockStore) UpdateKey(ctx context.Context, value string, fn storage.KeyMutator) (*domain.LicenseKey, error) {
	args := m.Called(ctx, value, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LicenseKey), args.Error(1)
}

func (m *MockStore) DeleteKey(ctx context.Context, value string) error {
	return m.Called(ctx, value).Error(0)
}

// 应用与使用记录在这些测试中不关心
func (m *MockStore) CreateApplication(ctx context.Context, app *domain.Application) error {
	return nil
}
func (m *MockStore) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	return nil, storage.ErrApplicationNotFound
}
func (m *MockStore) ListApplications(ctx context.Context) ([]domain.Application, error) {
	return nil, nil
}
func (m *MockStore) UpdateApplication(ctx context.Context, app *domain.Application) error {
	return nil
}
func (m *MockStore) DeleteApplication(ctx context.Context, id string) error {
	return nil
}
func (m *MockStore) AppendUsage(ctx context.Context, entry *domain.UsageLog) error {
	return nil
}
func (m *MockStore) ListUsage(ctx context.Context, keyValue string, limit int) ([]domain.UsageLog, error) {
	return nil, nil
}
func (m *MockStore) PruneUsage(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}
func (m *MockStore) Close() error {
	return nil
}
func (m *MockStore) Health() error {
	return nil
}
