package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/monitoring"
	"keyauth/backend/internal/pool"
	"keyauth/backend/internal/storage"
)

// UsageRecorder 异步写入使用记录并按计划清理过期记录。
// 写入失败或队列已满只记录日志，不影响验证结果。
type UsageRecorder struct {
	repo      storage.UsageRepository
	pool      *pool.WorkerPool
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	retention time.Duration
	now       func() time.Time
}

// NewUsageRecorder 创建使用记录器
//
// 参数:
//   - repo: 使用记录存储
//   - workers: 异步写入协程池，为 nil 时同步写入
//   - retention: 记录保留时长，<=0 表示不清理
func NewUsageRecorder(repo storage.UsageRepository, workers *pool.WorkerPool, retention time.Duration, logger *zap.Logger) *UsageRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageRecorder{
		repo:      repo,
		pool:      workers,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}
}

// SetMetrics 设置监控指标
func (r *UsageRecorder) SetMetrics(m *monitoring.Metrics) {
	r.metrics = m
}

// Record 提交一条使用记录
func (r *UsageRecorder) Record(entry domain.UsageLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}

	write := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.repo.AppendUsage(ctx, &entry); err != nil {
			r.logger.Warn("Failed to append usage log",
				zap.String("key", entry.KeyValue),
				zap.Error(err),
			)
		}
	}

	if r.pool == nil {
		write()
		return
	}
	if !r.pool.TrySubmit(write) {
		r.logger.Warn("Usage queue full, dropping entry", zap.String("key", entry.KeyValue))
		if r.metrics != nil {
			r.metrics.RecordUsageDropped()
		}
	}
}

// List 按时间倒序列出使用记录
func (r *UsageRecorder) List(ctx context.Context, keyValue string, limit int) ([]domain.UsageLog, error) {
	return r.repo.ListUsage(ctx, keyValue, limit)
}

// Prune 删除超过保留时长的记录
func (r *UsageRecorder) Prune(ctx context.Context) (int, error) {
	if r.retention <= 0 {
		return 0, nil
	}

	removed, err := r.repo.PruneUsage(ctx, r.now().Add(-r.retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.logger.Info("Usage logs pruned", zap.Int("removed", removed))
		if r.metrics != nil {
			r.metrics.RecordUsagePruned(removed)
		}
	}
	return removed, nil
}

// Schedule 在 cron 调度器上注册清理任务
func (r *UsageRecorder) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Prune(ctx); err != nil {
			r.logger.Error("Usage prune failed", zap.Error(err))
		}
	})
}
