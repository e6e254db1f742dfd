package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"keyauth/backend/internal/cache"
	"keyauth/backend/internal/monitoring"
	"keyauth/backend/internal/storage"
)

// RateLimiter 按客户端 IP 限流。
// 配置了共享计数器（Redis）时使用固定窗口计数，多实例共享额度；
// 否则使用进程内令牌桶。
type RateLimiter struct {
	scope     string
	perMinute int
	burst     int
	counter   storage.RateLimitRepository
	limiters  *cache.LocalCache[*rate.Limiter]
	metrics   *monitoring.Metrics
	log       *zap.Logger
	mu        sync.Mutex
}

// NewRateLimiter 创建限流器
//
// 参数:
//   - scope: 计数键前缀，例如 "validate"
//   - perMinute: 每个 IP 每分钟允许的请求数，<=0 表示不限流
//   - burst: 本地令牌桶突发容量
//   - counter: 共享计数器，可为 nil
func NewRateLimiter(scope string, perMinute, burst int, counter storage.RateLimitRepository, metrics *monitoring.Metrics, log *zap.Logger) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{
		scope:     scope,
		perMinute: perMinute,
		burst:     burst,
		counter:   counter,
		limiters:  cache.NewLocalCache[*rate.Limiter](100000, 10*time.Minute),
		metrics:   metrics,
		log:       log,
	}
}

// Limiters 返回本地令牌桶缓存，供后台清理使用
func (rl *RateLimiter) Limiters() *cache.LocalCache[*rate.Limiter] {
	return rl.limiters
}

// Allow 判断该 IP 本次请求是否放行
func (rl *RateLimiter) Allow(ctx context.Context, ip string) bool {
	if rl.perMinute <= 0 {
		return true
	}

	if rl.counter != nil {
		count, err := rl.counter.IncrementRateLimit(ctx, rl.scope+":"+ip, time.Minute)
		if err == nil {
			return count <= int64(rl.perMinute)
		}
		// 共享计数器不可用时退回本地令牌桶
		rl.log.Warn("Rate limit counter unavailable", zap.Error(err))
	}

	return rl.local(ip).Allow()
}

func (rl *RateLimiter) local(ip string) *rate.Limiter {
	if l, ok := rl.limiters.Get(ip); ok {
		return l
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.limiters.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMinute)), rl.burst)
	rl.limiters.Set(ip, l, 0)
	return l
}

// Middleware 返回 gin 中间件，超限时返回 429
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Allow(c.Request.Context(), c.ClientIP()) {
			c.Next()
			return
		}

		if rl.metrics != nil {
			rl.metrics.RecordRateLimitBlock(rl.scope)
		}
		c.Header("Retry-After", "60")
		abortWithError(c, http.StatusTooManyRequests, "RATE_LIMITED", "请求过于频繁，请稍后再试")
	}
}
