package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"keyauth/backend/internal/config"
)

var errSchemaMissing = errors.New("license_keys table missing, run cmd/migrate")

// Client 封装独立的 pgx 连接池，用于就绪探针，不经过 GORM 的连接池
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New 创建就绪探针连接池，仅支持 PostgreSQL DSN
func New(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	// 探针只需要极少的连接
	poolConfig.MaxConns = 2
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create readiness pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping readiness pool: %w", err)
	}

	log.Info("PostgreSQL readiness probe connected",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
	)

	return &Client{
		pool: pool,
		log:  log,
	}, nil
}

// Close 关闭连接池
func (c *Client) Close() {
	c.pool.Close()
	c.log.Info("PostgreSQL readiness probe closed")
}

// Ping 确认连接可用且密钥表已迁移
func (c *Client) Ping(ctx context.Context) error {
	var exists bool
	err := c.pool.QueryRow(ctx, "SELECT to_regclass('license_keys') IS NOT NULL").Scan(&exists)
	if err != nil {
		return fmt.Errorf("probe query: %w", err)
	}
	if !exists {
		return errSchemaMissing
	}
	return nil
}

// Check 供 healthcheck 使用
func (c *Client) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Ping(ctx)
}
