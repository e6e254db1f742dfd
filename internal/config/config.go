package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
	MaxSize     int    // 单个日志文件最大 MB
	MaxBackups  int    // 保留的旧日志文件数量
	MaxAge      int    // 旧日志保留天数
	Compress    bool   // 是否压缩旧日志
}

// StorageConfig 选择密钥存储后端
type StorageConfig struct {
	Backend string // memory, file 或 database
	Path    string // file 后端的数据目录
}

// DatabaseConfig 定义数据库配置
type DatabaseConfig struct {
	Type            string        // 数据库类型: postgres, mysql 或 sqlite
	Driver          string        // 访问方式: gorm（默认）或 sql
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 配置
type RedisConfig struct {
	Enabled  bool   // 是否启用 Redis 缓存、限流与令牌黑名单
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// JWTConfig 定义 JWT 认证配置
type JWTConfig struct {
	Secret        string        // JWT 签名密钥，必须至少 32 字符
	Issuer        string        // JWT 签发者标识，默认 "keyauth"
	AccessExpiry  time.Duration // 访问令牌有效期，默认 15 分钟
	RefreshExpiry time.Duration // 刷新令牌有效期，默认 7 天
}

// AdminConfig 定义管理员账号
type AdminConfig struct {
	Username     string // 管理员用户名，默认 "admin"
	PasswordHash string // bcrypt 密码哈希，由 cmd/create-admin 生成
	TOTPSecret   string // 可选的 TOTP 密钥，设置后登录需提供动态码
}

// LicenseConfig 定义密钥生成与验证行为
type LicenseConfig struct {
	KeyPrefix             string // 密钥前缀，默认 "ECL"
	DefaultMaxActivations int    // 未指定时的最大激活设备数，默认 1
	RequireAppSecret      bool   // 按应用验证时是否校验应用密钥
}

// RateLimitConfig 定义验证接口限流
type RateLimitConfig struct {
	ValidatePerMinute int // 每个 IP 每分钟允许的验证次数，<=0 表示不限流
	Burst             int // 本地令牌桶突发容量
}

// UsageConfig 定义使用记录的写入与清理
type UsageConfig struct {
	Retention     time.Duration // 记录保留时长，默认 30 天
	PruneSchedule string        // 清理任务的 cron 表达式
	Workers       int           // 异步写入的工作协程数
	QueueSize     int           // 异步写入队列长度
	MaxEntries    int           // memory/file 后端保留的最大条数
}

// AlertConfig 定义告警邮件配置
type AlertConfig struct {
	SMTPAddr string   // SMTP 服务器地址，留空表示只写日志
	From     string   // 发件人
	To       []string // 收件人列表
}

// Config 汇总系统全部配置
type Config struct {
	Server    ServerConfig    // HTTP 服务器配置
	CORS      CORSConfig      // 跨域配置
	Log       LogConfig       // 日志配置
	Storage   StorageConfig   // 存储后端配置
	Database  DatabaseConfig  // 数据库配置
	Redis     RedisConfig     // Redis 配置
	JWT       JWTConfig       // JWT 认证配置
	Admin     AdminConfig     // 管理员账号
	License   LicenseConfig   // 密钥配置
	RateLimit RateLimitConfig // 限流配置
	Usage     UsageConfig     // 使用记录配置
	Alert     AlertConfig     // 告警配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: KEYAUTH_
// 例如: KEYAUTH_SERVER_PORT, KEYAUTH_JWT_SECRET, KEYAUTH_STORAGE_BACKEND
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("keyauth")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)
	viper.SetDefault("storage.backend", "file")
	viper.SetDefault("storage.path", "./data")
	viper.SetDefault("database.type", "postgres")
	viper.SetDefault("database.driver", "gorm")
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.issuer", "keyauth")
	viper.SetDefault("jwt.access_expiry", "15m")
	viper.SetDefault("jwt.refresh_expiry", "7d")
	viper.SetDefault("admin.username", "admin")
	viper.SetDefault("admin.password_hash", "")
	viper.SetDefault("admin.totp_secret", "")
	viper.SetDefault("license.key_prefix", "ECL")
	viper.SetDefault("license.default_max_activations", 1)
	viper.SetDefault("license.require_app_secret", false)
	viper.SetDefault("ratelimit.validate_per_minute", 60)
	viper.SetDefault("ratelimit.burst", 10)
	viper.SetDefault("usage.retention", "720h")
	viper.SetDefault("usage.prune_schedule", "@hourly")
	viper.SetDefault("usage.workers", 4)
	viper.SetDefault("usage.queue_size", 1000)
	viper.SetDefault("usage.max_entries", 10000)
	viper.SetDefault("alert.smtp_addr", "")
	viper.SetDefault("alert.from", "keyauth@localhost")
	viper.SetDefault("alert.to", "")

	backend := strings.ToLower(viper.GetString("storage.backend"))
	switch backend {
	case "memory", "file", "database":
	default:
		return nil, fmt.Errorf("invalid storage.backend %q: must be memory, file or database", backend)
	}

	dbType := strings.ToLower(viper.GetString("database.type"))
	dbDriver := strings.ToLower(viper.GetString("database.driver"))
	if backend == "database" {
		switch dbType {
		case "postgres", "mysql", "sqlite":
		default:
			return nil, fmt.Errorf("invalid database.type %q: must be postgres, mysql or sqlite", dbType)
		}
		if dbDriver != "gorm" && dbDriver != "sql" {
			return nil, fmt.Errorf("invalid database.driver %q: must be gorm or sql", dbDriver)
		}
		if dbDriver == "sql" && dbType == "sqlite" {
			return nil, fmt.Errorf("database.driver sql does not support sqlite")
		}
		if viper.GetString("database.dsn") == "" {
			return nil, fmt.Errorf("database.dsn is required when storage.backend is database")
		}
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	accessExpiry, err := time.ParseDuration(viper.GetString("jwt.access_expiry"))
	if err != nil {
		accessExpiry = 15 * time.Minute
	}

	refreshExpiry, err := time.ParseDuration(viper.GetString("jwt.refresh_expiry"))
	if err != nil {
		refreshExpiry = 7 * 24 * time.Hour
	}

	retention, err := time.ParseDuration(viper.GetString("usage.retention"))
	if err != nil {
		return nil, fmt.Errorf("invalid usage.retention: %w", err)
	}

	jwtSecret := viper.GetString("jwt.secret")

	// 安全检查：禁止使用默认的 JWT secret
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set KEYAUTH_JWT_SECRET environment variable")
	}

	// JWT secret 必须至少 32 字符
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	passwordHash := viper.GetString("admin.password_hash")
	if passwordHash != "" && !isBcryptHash(passwordHash) {
		return nil, fmt.Errorf("SECURITY ERROR: admin.password_hash must be a bcrypt hash. Generate one with cmd/create-admin")
	}

	keyPrefix := strings.ToUpper(strings.TrimSpace(viper.GetString("license.key_prefix")))
	if keyPrefix == "" || strings.ContainsAny(keyPrefix, "- ") {
		return nil, fmt.Errorf("invalid license.key_prefix %q", keyPrefix)
	}

	defaultMax := viper.GetInt("license.default_max_activations")
	if defaultMax < 1 {
		defaultMax = 1
	}

	workers := viper.GetInt("usage.workers")
	if workers <= 0 {
		workers = 4
	}
	queueSize := viper.GetInt("usage.queue_size")
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
			MaxSize:     viper.GetInt("log.max_size"),
			MaxBackups:  viper.GetInt("log.max_backups"),
			MaxAge:      viper.GetInt("log.max_age"),
			Compress:    viper.GetBool("log.compress"),
		},
		Storage: StorageConfig{
			Backend: backend,
			Path:    viper.GetString("storage.path"),
		},
		Database: DatabaseConfig{
			Type:            dbType,
			Driver:          dbDriver,
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Enabled:  viper.GetBool("redis.enabled"),
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:        jwtSecret,
			Issuer:        viper.GetString("jwt.issuer"),
			AccessExpiry:  accessExpiry,
			RefreshExpiry: refreshExpiry,
		},
		Admin: AdminConfig{
			Username:     viper.GetString("admin.username"),
			PasswordHash: passwordHash,
			TOTPSecret:   viper.GetString("admin.totp_secret"),
		},
		License: LicenseConfig{
			KeyPrefix:             keyPrefix,
			DefaultMaxActivations: defaultMax,
			RequireAppSecret:      viper.GetBool("license.require_app_secret"),
		},
		RateLimit: RateLimitConfig{
			ValidatePerMinute: viper.GetInt("ratelimit.validate_per_minute"),
			Burst:             viper.GetInt("ratelimit.burst"),
		},
		Usage: UsageConfig{
			Retention:     retention,
			PruneSchedule: viper.GetString("usage.prune_schedule"),
			Workers:       workers,
			QueueSize:     queueSize,
			MaxEntries:    viper.GetInt("usage.max_entries"),
		},
		Alert: AlertConfig{
			SMTPAddr: viper.GetString("alert.smtp_addr"),
			From:     viper.GetString("alert.from"),
			To:       parseList(viper.GetString("alert.to")),
		},
	}

	return cfg, nil
}

// isBcryptHash 粗略判断字符串是否为 bcrypt 哈希（$2a$ / $2b$ / $2y$ 前缀，长度 60）
func isBcryptHash(value string) bool {
	if len(value) != 60 {
		return false
	}
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
