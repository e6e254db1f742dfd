package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"keyauth/backend/internal/auth"
	"keyauth/backend/internal/config"
	"keyauth/backend/internal/health"
	"keyauth/backend/internal/middleware"
	"keyauth/backend/internal/monitoring"
	"keyauth/backend/internal/service"
	"keyauth/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config           *config.Config
	LicenseService   *service.LicenseService
	AppService       *service.ApplicationService
	DashboardService *service.DashboardService
	AuthService      *auth.Service
	WebSocketHub     *websocket.Hub          // 可选，nil 时不注册 /ws
	Metrics          *monitoring.Metrics     // nil 时使用独立的指标注册表
	Health           *health.HealthChecker   // 可选
	ValidateLimiter  *middleware.RateLimiter // 验证接口限流，nil 时按配置创建本地限流
	LoginLimiter     *middleware.RateLimiter // 登录接口限流，nil 时按配置创建本地限流
	Logger           *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(metrics, log)
	router.Use(mm.PanicRecovery())
	router.Use(mm.HTTPMetrics())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.SmallBodyLimit))
	router.Use(middleware.ValidateContentType("application/json"))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:  deps.Config.CORS.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-App-Secret"},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}

	// 允许所有来源时不能携带凭证
	corsConfig.AllowCredentials = true
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	validateLimiter := deps.ValidateLimiter
	if validateLimiter == nil {
		validateLimiter = middleware.NewRateLimiter("validate", deps.Config.RateLimit.ValidatePerMinute, deps.Config.RateLimit.Burst, nil, metrics, log)
	}
	loginLimiter := deps.LoginLimiter
	if loginLimiter == nil {
		loginLimiter = middleware.NewRateLimiter("login", 10, 5, nil, metrics, log)
	}

	keyHandler := NewKeyHandler(deps.LicenseService, log)
	appHandler := NewAppHandler(deps.AppService, log)
	authHandler := NewAuthHandler(deps.AuthService, log)
	dashboardHandler := NewDashboardHandler(deps.DashboardService, log)

	jwtAuth := middleware.NewJWTAuth(deps.AuthService, log)
	admin := []gin.HandlerFunc{jwtAuth.RequireAuth(), middleware.RequireAdmin()}

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 监控与健康检查
	router.GET("/metrics", gin.WrapH(metrics.HTTPHandler()))
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, deps.Health.CheckHealth())
		})
	} else {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}

	// ========== Auth Routes ==========
	authRoutes := router.Group("/auth")
	{
		authRoutes.POST("/login", loginLimiter.Middleware(), authHandler.Login)
		authRoutes.POST("/refresh", loginLimiter.Middleware(), authHandler.Refresh)
		authRoutes.POST("/logout", jwtAuth.RequireAuth(), authHandler.Logout)
		authRoutes.GET("/me", jwtAuth.RequireAuth(), authHandler.Me)
	}

	// ========== Key Routes ==========
	keyRoutes := router.Group("/keys")
	{
		// 客户端验证：公开，按 IP 限流
		keyRoutes.POST("/validate", validateLimiter.Middleware(), keyHandler.Validate)

		adminKeys := keyRoutes.Group("", admin...)
		adminKeys.POST("", keyHandler.Generate)
		adminKeys.GET("", keyHandler.List)
		adminKeys.GET("/:value", keyHandler.Get)
		adminKeys.DELETE("/:value", keyHandler.Delete)
		adminKeys.POST("/:value/ban", keyHandler.Ban)
		adminKeys.POST("/:value/unban", keyHandler.Unban)
		adminKeys.POST("/:value/reset-hwid", keyHandler.ResetHWID)
		adminKeys.PATCH("/:value/expiry", keyHandler.SetExpiry)
		adminKeys.PATCH("/:value/max-activations", keyHandler.SetMaxActivations)
		adminKeys.GET("/:value/usage", keyHandler.Usage)
	}

	adminRoutes := router.Group("", admin...)
	adminRoutes.GET("/stats", keyHandler.Stats)
	adminRoutes.GET("/dashboard/stats", dashboardHandler.Statistics)

	// ========== App Routes ==========
	appRoutes := router.Group("/apps", admin...)
	{
		appRoutes.POST("", appHandler.Create)
		appRoutes.GET("", appHandler.List)
		appRoutes.GET("/:id", appHandler.Get)
		appRoutes.PATCH("/:id", appHandler.Update)
		appRoutes.POST("/:id/rotate-secret", appHandler.RotateSecret)
		appRoutes.DELETE("/:id", appHandler.Delete)
	}

	// ========== WebSocket ==========
	if deps.WebSocketHub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	// ========== 兼容旧版加载器 ==========
	router.POST("/api/check", validateLimiter.Middleware(), keyHandler.LegacyCheck)

	return router
}
