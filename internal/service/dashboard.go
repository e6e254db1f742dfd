package service

import (
	"context"
	"time"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/storage"
)

const recentActivityLimit = 10

// DashboardService 汇总管理面板统计
type DashboardService struct {
	store storage.Store
	now   func() time.Time
}

// NewDashboardService 创建面板服务
func NewDashboardService(store storage.Store) *DashboardService {
	return &DashboardService{store: store, now: time.Now}
}

// Statistics 返回面板统计信息
func (s *DashboardService) Statistics(ctx context.Context) (*domain.DashboardStatistics, error) {
	keys, err := s.store.LoadKeys(ctx)
	if err != nil {
		return nil, err
	}
	apps, err := s.store.ListApplications(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := s.store.ListUsage(ctx, "", recentActivityLimit)
	if err != nil {
		return nil, err
	}

	appNames := make(map[string]string, len(apps))
	for _, app := range apps {
		appNames[app.ID] = app.Name
	}

	now := s.now()
	stats := &domain.DashboardStatistics{
		TotalApps:      len(apps),
		KeysByApp:      make(map[string]int),
		RecentActivity: make([]domain.ActivityLog, 0, len(usage)),
	}
	for i := range keys {
		k := &keys[i]
		stats.Add(domain.Classify(k, now))
		if k.BoundCount() > 0 {
			stats.BoundKeys++
		}
		if k.AppID != nil {
			stats.KeysByApp[*k.AppID]++
		}
	}

	for _, u := range usage {
		stats.RecentActivity = append(stats.RecentActivity, domain.ActivityLog{
			Key:    u.KeyValue,
			App:    appNames[u.AppID],
			HWID:   u.HWID,
			Result: u.Result,
			Time:   u.CreatedAt,
		})
	}
	return stats, nil
}
