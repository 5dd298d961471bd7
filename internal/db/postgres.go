package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Pool sizing for the gateway process: HTTP handlers and every pool worker
// share one set of connections.
const (
	defaultMaxConns   = 25
	minIdleConns      = 2
	maxConnLifetime   = time.Hour
	maxConnIdleTime   = 30 * time.Minute
	healthCheckPeriod = time.Minute
	applicationName   = "courier"
)

// DB owns the Postgres pool holding notifications, recipients and delivery logs.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Config holds database connection parameters.
type Config struct {
	Host     string
	Password string
	User     string
	Database string
	SSLMode  string
	Port     int
	// MaxConns caps the pool; zero means defaultMaxConns.
	MaxConns int32
}

// DSN builds a libpq style connection string. The password is left out
// when empty so PGPASSFILE can supply it.
func (c Config) DSN() string {
	if c.Password != "" {
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode,
	)
}

func (c Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	pc.MaxConns = defaultMaxConns
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	pc.MinConns = min(minIdleConns, pc.MaxConns)
	pc.MaxConnLifetime = maxConnLifetime
	pc.MaxConnIdleTime = maxConnIdleTime
	pc.HealthCheckPeriod = healthCheckPeriod
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

// New opens the pool and verifies the database answers before returning.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	pc, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("notification store connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.Int32("max_conns", pc.MaxConns),
	)
	return &DB{pool: pool, logger: logger}, nil
}

// Close drains the pool. In-flight CompleteDispatch transactions finish first.
func (db *DB) Close() {
	db.logger.Info("closing notification store")
	db.pool.Close()
}

// Pool exposes the pgx pool to the repository and the migrator.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Health backs the "database" entry of GET /health.
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
