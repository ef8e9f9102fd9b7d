package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Migration is one ordered schema step. Statements must run unchanged on SQLite and PostgreSQL.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "comments",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS comments (
				id TEXT PRIMARY KEY,
				author_id TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				comment_date TEXT NOT NULL,
				confidence DOUBLE PRECISION NOT NULL,
				has_reasoning BOOLEAN NOT NULL,
				sarcasm_detected BOOLEAN NOT NULL,
				author_trust DOUBLE PRECISION,
				ingested_at TIMESTAMP NOT NULL,
				processed_cycle_id TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_comments_processed ON comments (processed_cycle_id)`,
			`CREATE INDEX IF NOT EXISTS idx_comments_date ON comments (comment_date)`,
			`CREATE TABLE IF NOT EXISTS comment_tickers (
				comment_id TEXT NOT NULL REFERENCES comments(id),
				ticker TEXT NOT NULL,
				sentiment TEXT NOT NULL,
				comment_date TEXT NOT NULL,
				PRIMARY KEY (comment_id, ticker)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_comment_tickers_day ON comment_tickers (ticker, comment_date)`,
		},
	},
	{
		Version: 2,
		Name:    "signals",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS signals (
				id TEXT PRIMARY KEY,
				ticker TEXT NOT NULL,
				signal_type TEXT NOT NULL,
				signal_date TEXT NOT NULL,
				direction TEXT NOT NULL,
				confidence DOUBLE PRECISION NOT NULL,
				comment_count INTEGER NOT NULL,
				author_count INTEGER NOT NULL,
				volume_score DOUBLE PRECISION NOT NULL,
				alignment_score DOUBLE PRECISION NOT NULL,
				mean_ai_confidence DOUBLE PRECISION NOT NULL,
				mean_author_trust DOUBLE PRECISION NOT NULL,
				emergent BOOLEAN,
				position_opened BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE (ticker, signal_type, signal_date)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_signals_date ON signals (signal_date)`,
		},
	},
	{
		Version: 3,
		Name:    "portfolios_positions",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS portfolios (
				id TEXT PRIMARY KEY,
				instrument_type TEXT NOT NULL,
				signal_type TEXT NOT NULL,
				starting_capital NUMERIC NOT NULL,
				cash_available NUMERIC NOT NULL,
				current_value NUMERIC NOT NULL,
				max_positions INTEGER NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS positions (
				id TEXT PRIMARY KEY,
				portfolio_id TEXT NOT NULL REFERENCES portfolios(id),
				signal_id TEXT NOT NULL REFERENCES signals(id),
				ticker TEXT NOT NULL,
				instrument_type TEXT NOT NULL,
				direction TEXT NOT NULL,
				symbol TEXT NOT NULL,
				option_type TEXT NOT NULL DEFAULT '',
				strike NUMERIC NOT NULL DEFAULT 0,
				expiry TIMESTAMP,
				entry_price NUMERIC NOT NULL,
				quantity INTEGER NOT NULL,
				remaining_quantity INTEGER NOT NULL,
				position_size NUMERIC NOT NULL,
				stop_price NUMERIC NOT NULL,
				target_price NUMERIC NOT NULL,
				peak_price NUMERIC NOT NULL,
				trailing_stop_active BOOLEAN NOT NULL DEFAULT FALSE,
				partial_exit_taken BOOLEAN NOT NULL DEFAULT FALSE,
				confidence DOUBLE PRECISION NOT NULL,
				status TEXT NOT NULL,
				opened_at TIMESTAMP NOT NULL,
				last_checked_at TIMESTAMP NOT NULL,
				last_price NUMERIC NOT NULL,
				exit_date TIMESTAMP,
				hold_days INTEGER,
				realized_pnl NUMERIC NOT NULL DEFAULT 0,
				realized_return_pct NUMERIC
			)`,
			`CREATE INDEX IF NOT EXISTS idx_positions_portfolio_status ON positions (portfolio_id, status)`,
			`CREATE TABLE IF NOT EXISTS position_exits (
				id TEXT PRIMARY KEY,
				position_id TEXT NOT NULL REFERENCES positions(id),
				reason TEXT NOT NULL,
				quantity INTEGER NOT NULL,
				price NUMERIC NOT NULL,
				proceeds NUMERIC NOT NULL,
				realized_pnl NUMERIC NOT NULL,
				exited_at TIMESTAMP NOT NULL,
				note TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_position_exits_position ON position_exits (position_id)`,
		},
	},
	{
		Version: 4,
		Name:    "predictions_trust",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS predictions (
				id TEXT PRIMARY KEY,
				comment_id TEXT NOT NULL REFERENCES comments(id),
				author_id TEXT NOT NULL,
				ticker TEXT NOT NULL,
				direction TEXT NOT NULL,
				symbol TEXT NOT NULL,
				option_type TEXT NOT NULL,
				strike NUMERIC NOT NULL,
				expiry TIMESTAMP,
				entry_price NUMERIC NOT NULL,
				quantity INTEGER NOT NULL,
				remaining_quantity INTEGER NOT NULL,
				stop_price NUMERIC NOT NULL,
				target_price NUMERIC NOT NULL,
				peak_price NUMERIC NOT NULL,
				trailing_stop_active BOOLEAN NOT NULL DEFAULT FALSE,
				partial_exit_taken BOOLEAN NOT NULL DEFAULT FALSE,
				status TEXT NOT NULL,
				opened_at TIMESTAMP NOT NULL,
				last_checked_at TIMESTAMP NOT NULL,
				exit_date TIMESTAMP,
				hold_days INTEGER,
				realized_pnl NUMERIC NOT NULL DEFAULT 0,
				total_return_pct NUMERIC,
				is_correct BOOLEAN,
				manual_override BOOLEAN,
				trust_applied BOOLEAN NOT NULL DEFAULT FALSE,
				UNIQUE (comment_id, ticker)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_predictions_status ON predictions (status)`,
			`CREATE TABLE IF NOT EXISTS prediction_exits (
				id TEXT PRIMARY KEY,
				prediction_id TEXT NOT NULL REFERENCES predictions(id),
				reason TEXT NOT NULL,
				quantity INTEGER NOT NULL,
				price NUMERIC NOT NULL,
				proceeds NUMERIC NOT NULL,
				realized_pnl NUMERIC NOT NULL,
				exited_at TIMESTAMP NOT NULL,
				note TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS author_trust (
				author_id TEXT PRIMARY KEY,
				total_comments INTEGER NOT NULL DEFAULT 0,
				quality_comments INTEGER NOT NULL DEFAULT 0,
				predictions_resolved INTEGER NOT NULL DEFAULT 0,
				predictions_correct INTEGER NOT NULL DEFAULT 0,
				accuracy_ema DOUBLE PRECISION NOT NULL,
				trust_score DOUBLE PRECISION NOT NULL,
				first_seen_at TIMESTAMP NOT NULL,
				last_seen_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
		},
	},
	{
		Version: 5,
		Name:    "cycles_config",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS cycle_runs (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				trigger_source TEXT NOT NULL,
				status TEXT NOT NULL,
				phase TEXT NOT NULL,
				counters TEXT NOT NULL DEFAULT '{}',
				warnings TEXT,
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP NOT NULL,
				finished_at TIMESTAMP
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_cycle_runs_single_running ON cycle_runs (status) WHERE status = 'running'`,
			`CREATE INDEX IF NOT EXISTS idx_cycle_runs_started ON cycle_runs (started_at)`,
			`CREATE TABLE IF NOT EXISTS trading_config (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
		},
	},
}

// Migrate applies pending migrations in version order, one transaction per migration.
func Migrate(ctx context.Context, pool DBPool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		err := WithTx(ctx, pool, func(tx Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)`,
				m.Version, m.Name, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		logger.Info("Applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
	}
	return nil
}
