package database

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/shopspring/decimal"
)

const portfolioColumns = `id, instrument_type, signal_type, starting_capital, cash_available, current_value, max_positions, updated_at`

type PortfolioRepository struct {
	pool DBPool
}

func NewPortfolioRepository(pool DBPool) *PortfolioRepository {
	return &PortfolioRepository{pool: pool}
}

// Seed inserts missing portfolios and refreshes max_positions on existing ones. Cash is never reset.
func (r *PortfolioRepository) Seed(ctx context.Context, portfolios []models.Portfolio) error {
	for _, p := range portfolios {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO portfolios (id, instrument_type, signal_type, starting_capital, cash_available,
				current_value, max_positions, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET max_positions = excluded.max_positions`,
			p.ID, string(p.InstrumentType), string(p.SignalType), p.StartingCapital, p.CashAvailable,
			p.CurrentValue, p.MaxPositions, p.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to seed portfolio %s: %w", p.ID, err)
		}
	}
	return nil
}

func scanPortfolio(row scanner) (*models.Portfolio, error) {
	var p models.Portfolio
	if err := row.Scan(&p.ID, &p.InstrumentType, &p.SignalType, &p.StartingCapital, &p.CashAvailable,
		&p.CurrentValue, &p.MaxPositions, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// Get reads a portfolio through q, which may be an open transaction.
func (r *PortfolioRepository) Get(ctx context.Context, q Querier, id string) (*models.Portfolio, error) {
	if q == nil {
		q = r.pool
	}
	p, err := scanPortfolio(q.QueryRow(ctx, `SELECT `+portfolioColumns+` FROM portfolios WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get portfolio %s: %w", id, err)
	}
	return p, nil
}

func (r *PortfolioRepository) List(ctx context.Context) ([]*models.Portfolio, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+portfolioColumns+` FROM portfolios ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()
	var out []*models.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetCash sets cash to the given value after a debit or credit computed by the caller.
func (r *PortfolioRepository) SetCash(ctx context.Context, q Querier, id string, cash decimal.Decimal) error {
	if q == nil {
		q = r.pool
	}
	res, err := q.Exec(ctx, `UPDATE portfolios SET cash_available = $1, updated_at = $2 WHERE id = $3`,
		cash, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update cash for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetValue records a mark-to-market valuation.
func (r *PortfolioRepository) SetValue(ctx context.Context, id string, value decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `UPDATE portfolios SET current_value = $1, updated_at = $2 WHERE id = $3`,
		value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update value for %s: %w", id, err)
	}
	return nil
}
