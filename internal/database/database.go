package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/irfndi/tickerpulse/internal/config"
	"go.uber.org/zap"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// Database abstracts both PostgreSQL and SQLite connections.
type Database interface {
	DBPool
	Close() error
	IsReady() bool
	HealthCheck(ctx context.Context) error
}

// DBType enumerates supported database drivers.
type DBType string

const (
	DBTypeSQLite   DBType = "sqlite"
	DBTypePostgres DBType = "postgres"
)

// NewDatabaseConnection opens the configured driver. SQLite is the default.
func NewDatabaseConnection(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch DetectDBType(cfg.Driver) {
	case DBTypeSQLite:
		path := strings.TrimSpace(cfg.SQLitePath)
		if path == "" {
			path = "tickerpulse.db"
		}
		logger.Info("Connecting to SQLite database", zap.String("path", path))
		return NewSQLiteConnection(path)
	case DBTypePostgres:
		logger.Info("Connecting to PostgreSQL database",
			zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.String("dbname", cfg.DBName))
		return NewPostgresConnection(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres)", cfg.Driver)
	}
}

// DetectDBType maps a driver string to its canonical type; empty means sqlite.
func DetectDBType(driver string) DBType {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DBTypeSQLite
	case "postgres", "postgresql", "pgx":
		return DBTypePostgres
	default:
		return DBType(driver)
	}
}
