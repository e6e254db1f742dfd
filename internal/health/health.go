package health

import (
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Checker 返回 nil 表示依赖正常
type Checker interface {
	Check() error
}

// HealthChecker 健康检查器，提供 /live 与 /ready 两个端点
type HealthChecker struct {
	health healthcheck.Handler
	checks map[string]healthcheck.Check
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// 参数:
//   - storeHealth: 存储健康检查函数，同时作为存活和就绪检查
//   - logger: 日志记录器
func NewHealthChecker(storeHealth func() error, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		checks: make(map[string]healthcheck.Check),
		logger: logger,
	}

	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	hc.AddReadinessCheck("store", storeHealth)
	return hc
}

// AddReadinessCheck 添加就绪检查，每项检查限时 3 秒
func (hc *HealthChecker) AddReadinessCheck(name string, check func() error) {
	c := healthcheck.Timeout(check, 3*time.Second)
	hc.health.AddReadinessCheck(name, c)
	hc.checks[name] = c
}

// AddDependency 将实现 Checker 的依赖（Redis、连接池）加入就绪检查
func (hc *HealthChecker) AddDependency(name string, dep Checker) {
	if dep == nil {
		return
	}
	hc.AddReadinessCheck(name, dep.Check)
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部就绪检查并返回各项结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string, len(hc.checks)+1)
	for name, check := range hc.checks {
		if err := check(); err != nil {
			hc.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			results[name] = fmt.Sprintf("ERROR: %v", err)
		} else {
			results[name] = "OK"
		}
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}
