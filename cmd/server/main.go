package main

// @title KeyAuth License API
// @version 1.0.0
// @description 许可证密钥签发与验证服务
// @contact.name API Support
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description 使用格式：Bearer {token}
// @securityDefinitions.apikey AppSecret
// @in header
// @name X-App-Secret
// @description 应用密钥，按应用验证时使用

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"keyauth/backend/internal/auth"
	jwtpkg "keyauth/backend/internal/auth/jwt"
	"keyauth/backend/internal/config"
	"keyauth/backend/internal/health"
	"keyauth/backend/internal/logger"
	"keyauth/backend/internal/middleware"
	"keyauth/backend/internal/monitoring"
	"keyauth/backend/internal/pool"
	"keyauth/backend/internal/service"
	"keyauth/backend/internal/storage"
	"keyauth/backend/internal/storage/filesystem"
	"keyauth/backend/internal/storage/hybrid"
	"keyauth/backend/internal/storage/memory"
	"keyauth/backend/internal/storage/postgres"
	redisstore "keyauth/backend/internal/storage/redis"
	sqlstore "keyauth/backend/internal/storage/sql"
	httptransport "keyauth/backend/internal/transport/http"
	"keyauth/backend/internal/websocket"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 10 * time.Second
	cacheTTL        = 5 * time.Minute
)

// main 启动密钥授权服务
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting keyauth server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("redis", cfg.Redis.Enabled),
	)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	store, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// Redis：缓存、令牌黑名单、共享限流与事件转发
	var cache *redisstore.Cache
	if cfg.Redis.Enabled {
		client, err := redisstore.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect redis", zap.Error(err))
		}
		cache = redisstore.NewCache(client, "keyauth")
		defer cache.Close()

		if cfg.Storage.Backend == "database" {
			store = hybrid.NewStore(store, cache, cacheTTL, log)
			log.Info("redis read cache enabled", zap.Duration("ttl", cacheTTL))
		}
	}

	// 会话状态：有 Redis 时多实例共享，否则保存在进程内
	var (
		blacklist   storage.TokenBlacklist
		rateCounter storage.RateLimitRepository
	)
	if cache != nil {
		blacklist = cache
		rateCounter = cache
	} else {
		blacklist = memory.NewStore(0)
	}

	// 初始化监控系统
	metrics := monitoring.NewMetrics()

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(store.Health, log)
	if cache != nil {
		healthChecker.AddDependency("redis", cache)
	}
	if cfg.Storage.Backend == "database" && cfg.Database.Type == "postgres" {
		probe, err := postgres.New(ctx, cfg.Database, log)
		if err != nil {
			log.Warn("postgres readiness probe unavailable", zap.Error(err))
		} else {
			defer probe.Close()
			healthChecker.AddDependency("postgres", probe)
		}
	}

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	if cfg.Alert.SMTPAddr != "" && len(cfg.Alert.To) > 0 {
		alertManager.AddReceiver(monitoring.NewMailAlertReceiver(cfg.Alert.SMTPAddr, cfg.Alert.From, cfg.Alert.To))
		log.Info("alert mail receiver enabled", zap.String("smtp", cfg.Alert.SMTPAddr))
	}
	alertManager.AddRule(monitoring.StoreHealthRule(store.Health))
	alertManager.AddRule(monitoring.ValidationFailureRule(metrics.Validations, 0.5, 50))

	// 使用记录异步写入
	workers := pool.NewWorkerPool(cfg.Usage.Workers, cfg.Usage.QueueSize, log)
	usage := service.NewUsageRecorder(store, workers, cfg.Usage.Retention, log)
	usage.SetMetrics(metrics)

	// 初始化服务层
	apps := service.NewApplicationService(store, log)
	licenses := service.NewLicenseService(store, apps, cfg.License, log)
	licenses.SetMetrics(metrics)
	licenses.SetUsageRecorder(usage)
	dashboard := service.NewDashboardService(store)

	// 初始化认证服务
	jwtManager := jwtpkg.NewManager(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	authService := auth.NewService(cfg.Admin, jwtManager, blacklist, log)
	if cfg.Admin.PasswordHash == "" {
		log.Warn("admin.password_hash is empty, admin login is disabled. Generate one with cmd/create-admin")
	}

	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("access_expiry", cfg.JWT.AccessExpiry),
		zap.Duration("refresh_expiry", cfg.JWT.RefreshExpiry),
		zap.Bool("totp", authService.TOTPEnabled()),
	)

	// 创建 WebSocket Hub
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, authService, log)
	wsHub.SetMetrics(metrics)
	if cache != nil {
		wsHub.SetRelay(cache)
	}
	licenses.SetPublisher(wsHub)

	validateLimiter := middleware.NewRateLimiter("validate", cfg.RateLimit.ValidatePerMinute, cfg.RateLimit.Burst, rateCounter, metrics, log)
	loginLimiter := middleware.NewRateLimiter("login", 10, 5, rateCounter, metrics, log)

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:           cfg,
		LicenseService:   licenses,
		AppService:       apps,
		DashboardService: dashboard,
		AuthService:      authService,
		WebSocketHub:     wsHub,
		Metrics:          metrics,
		Health:           healthChecker,
		ValidateLimiter:  validateLimiter,
		LoginLimiter:     loginLimiter,
		Logger:           log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 定时任务
	scheduler := cron.New()
	if _, err := usage.Schedule(scheduler, cfg.Usage.PruneSchedule); err != nil {
		log.Fatal("invalid usage.prune_schedule", zap.String("spec", cfg.Usage.PruneSchedule), zap.Error(err))
	}
	started := time.Now()
	if _, err := scheduler.AddFunc("@every 1m", func() {
		metrics.UpdateSystemStats(time.Since(started))
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := licenses.Stats(sctx); err != nil {
			log.Warn("failed to refresh key statistics", zap.Error(err))
		}
	}); err != nil {
		log.Fatal("failed to schedule stats refresh", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 使用记录写入协程池
	workers.Start(groupCtx)

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 告警检查 goroutine
	group.Go(func() error {
		return alertManager.Run(groupCtx, time.Minute)
	})

	// 本地缓存清理 goroutine
	group.Go(func() error {
		apps.Cache().Run(groupCtx, time.Minute)
		return nil
	})
	group.Go(func() error {
		validateLimiter.Limiters().Run(groupCtx, time.Minute)
		return nil
	})
	group.Go(func() error {
		loginLimiter.Limiters().Run(groupCtx, time.Minute)
		return nil
	})

	scheduler.Start()
	log.Info("scheduler started", zap.String("prune_schedule", cfg.Usage.PruneSchedule))

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// 关闭 HTTP 服务器
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		<-scheduler.Stop().Done()
		workers.Stop()

		log.Info("servers stopped", zap.Int64("usage_dropped", workers.Dropped()))
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// openStore 按配置创建主存储
func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		log.Warn("using memory storage, data is lost on restart")
		return memory.NewStore(cfg.Usage.MaxEntries), nil

	case "file":
		store, err := filesystem.NewStore(cfg.Storage.Path, log, cfg.Usage.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to open file storage: %w", err)
		}
		log.Info("using file storage", zap.String("path", cfg.Storage.Path))
		return store, nil

	case "database":
		log.Info("initializing database storage",
			zap.String("database_type", cfg.Database.Type),
			zap.String("driver", cfg.Database.Driver),
		)
		if cfg.Database.Driver == "sql" {
			store, err := sqlstore.NewStore(
				cfg.Database.Type,
				cfg.Database.DSN,
				cfg.Database.MaxOpenConns,
				cfg.Database.MaxIdleConns,
				cfg.Database.ConnMaxLifetime,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to open sql storage: %w", err)
			}
			return store, nil
		}
		store, err := postgres.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open gorm storage: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}
