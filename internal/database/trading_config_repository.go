package database

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TradingConfigRepository persists threshold overrides read fresh at the start of every cycle.
type TradingConfigRepository struct {
	pool DBPool
}

func NewTradingConfigRepository(pool DBPool) *TradingConfigRepository {
	return &TradingConfigRepository{pool: pool}
}

// TradingOverrides returns every stored key/value pair.
func (r *TradingConfigRepository) TradingOverrides(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value FROM trading_config`)
	if err != nil {
		return nil, fmt.Errorf("failed to read trading config: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan trading config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (r *TradingConfigRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO trading_config (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		strings.ToLower(strings.TrimSpace(key)), value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set trading config %s: %w", key, err)
	}
	return nil
}

func (r *TradingConfigRepository) Delete(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM trading_config WHERE key = $1`, strings.ToLower(strings.TrimSpace(key)))
	if err != nil {
		return fmt.Errorf("failed to delete trading config %s: %w", key, err)
	}
	return nil
}
