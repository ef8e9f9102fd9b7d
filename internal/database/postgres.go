package database

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresDB wraps a PostgreSQL connection pool.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Database = (*PostgresDB)(nil)

const maxAllowedPoolConns int32 = 10000

// NewPostgresConnection dials with up to three attempts and exponential backoff.
func NewPostgresConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolConfig, err := buildPGXPoolConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var pool *pgxpool.Pool
	for attempts := 0; attempts < 3; attempts++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				break
			}
			pool.Close()
		}
		logger.Warn("Database connection attempt failed", zap.Int("attempt", attempts+1), zap.Error(err))
		if attempts < 2 {
			time.Sleep(time.Duration(1<<uint(attempts)) * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}

	logger.Info("Successfully connected to PostgreSQL")
	return &PostgresDB{Pool: pool, logger: logger}, nil
}

func (db *PostgresDB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("PostgreSQL connection closed")
	}
	return nil
}

func (db *PostgresDB) HealthCheck(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("postgres pool is not initialized")
	}
	return db.Pool.Ping(ctx)
}

func (db *PostgresDB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	if db.Pool == nil {
		return nil, fmt.Errorf("postgres pool is not initialized")
	}
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return PgxRows{Rows: rows}, nil
}

func (db *PostgresDB) QueryRow(ctx context.Context, query string, args ...any) Row {
	return PgxRow{Row: db.Pool.QueryRow(ctx, query, args...)}
}

func (db *PostgresDB) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	if db.Pool == nil {
		return nil, fmt.Errorf("postgres pool is not initialized")
	}
	tag, err := db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return PgxResult{CommandTag: tag}, nil
}

func (db *PostgresDB) Begin(ctx context.Context) (Tx, error) {
	if db.Pool == nil {
		return nil, fmt.Errorf("postgres pool is not initialized")
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return PgxTx{Tx: tx}, nil
}

func (db *PostgresDB) IsReady() bool {
	return db != nil && db.Pool != nil
}

func buildPGXPoolConfig(cfg *config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Config, error) {
	var dsn string
	switch {
	case strings.HasPrefix(cfg.Host, "postgres://") || strings.HasPrefix(cfg.Host, "postgresql://"):
		dsn = cfg.Host
	case cfg.DatabaseURL != "":
		dsn = cfg.DatabaseURL
	default:
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=%s connect_timeout=%d",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
			cfg.ApplicationName, cfg.ConnectTimeout)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = clampToSafePoolSize(cfg.MaxOpenConns, logger)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = clampToSafePoolSize(cfg.MaxIdleConns, logger)
	}
	if poolConfig.MinConns > 0 && poolConfig.MaxConns > 0 && poolConfig.MinConns > poolConfig.MaxConns {
		return nil, fmt.Errorf("invalid pool sizing: min_conns (%d) > max_conns (%d)", poolConfig.MinConns, poolConfig.MaxConns)
	}

	if cfg.ConnMaxLifetime != "" {
		d, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ConnMaxLifetime: %w", err)
		}
		poolConfig.MaxConnLifetime = d
	}
	if cfg.ConnMaxIdleTime != "" {
		d, err := time.ParseDuration(cfg.ConnMaxIdleTime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ConnMaxIdleTime: %w", err)
		}
		poolConfig.MaxConnIdleTime = d
	}

	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout)
	}
	return poolConfig, nil
}

func clampToSafePoolSize(value int, logger *zap.Logger) int32 {
	requested := int64(value)
	if requested <= 0 {
		return 0
	}
	if requested > int64(math.MaxInt32) || requested > int64(maxAllowedPoolConns) {
		logger.Warn("Configured pool size exceeds safe limit; clamping",
			zap.Int("requested", value), zap.Int32("limit", maxAllowedPoolConns))
		return maxAllowedPoolConns
	}
	return int32(requested)
}
