package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/shopspring/decimal"
)

// ErrInsufficientCash is returned when a portfolio cannot fund a new position.
var ErrInsufficientCash = errors.New("insufficient cash")

// ErrStaleState is returned when a row changed underneath an optimistic update.
var ErrStaleState = errors.New("row changed concurrently")

const positionColumns = `id, portfolio_id, signal_id, ticker, instrument_type, direction, symbol, option_type,
	strike, expiry, entry_price, quantity, remaining_quantity, position_size, stop_price, target_price,
	peak_price, trailing_stop_active, partial_exit_taken, confidence, status, opened_at, last_checked_at,
	last_price, exit_date, hold_days, realized_pnl, realized_return_pct`

const exitColumns = `id, reason, quantity, price, proceeds, realized_pnl, exited_at, note`

type PositionRepository struct {
	pool DBPool
	loc  *time.Location
}

// NewPositionRepository builds the repository; loc is the market calendar used for hold days.
func NewPositionRepository(pool DBPool, loc *time.Location) *PositionRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &PositionRepository{pool: pool, loc: loc}
}

func scanPosition(row scanner) (*models.Position, error) {
	var (
		p         models.Position
		holdDays  *int64
		returnPct decimal.NullDecimal
	)
	if err := row.Scan(&p.ID, &p.PortfolioID, &p.SignalID, &p.Ticker, &p.InstrumentType, &p.Direction, &p.Symbol,
		&p.OptionType, &p.Strike, &p.Expiry, &p.EntryPrice, &p.Quantity, &p.RemainingQuantity, &p.PositionSize,
		&p.StopPrice, &p.TargetPrice, &p.PeakPrice, &p.TrailingStopActive, &p.PartialExitTaken, &p.Confidence,
		&p.Status, &p.OpenedAt, &p.LastCheckedAt, &p.LastPrice, &p.ExitDate, &holdDays, &p.RealizedPnL,
		&returnPct); err != nil {
		return nil, err
	}
	p.Expiry = utcPtr(p.Expiry)
	p.ExitDate = utcPtr(p.ExitDate)
	p.OpenedAt = p.OpenedAt.UTC()
	p.LastCheckedAt = p.LastCheckedAt.UTC()
	p.HoldDays = nullIntPtr(holdDays)
	p.RealizedReturnPct = nullDecimalPtr(returnPct)
	return &p, nil
}

// Open inserts a new position and debits its cost from the portfolio in q.
func (r *PositionRepository) Open(ctx context.Context, q Querier, p *models.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	res, err := q.Exec(ctx, `
		UPDATE portfolios SET cash_available = cash_available - $1, updated_at = $2
		WHERE id = $3 AND cash_available >= $1`,
		p.PositionSize, time.Now().UTC(), p.PortfolioID)
	if err != nil {
		return fmt.Errorf("failed to debit portfolio %s: %w", p.PortfolioID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w in %s for %s", ErrInsufficientCash, p.PortfolioID, p.PositionSize.StringFixed(2))
	}
	_, err = q.Exec(ctx, `
		INSERT INTO positions (id, portfolio_id, signal_id, ticker, instrument_type, direction, symbol, option_type,
			strike, expiry, entry_price, quantity, remaining_quantity, position_size, stop_price, target_price,
			peak_price, trailing_stop_active, partial_exit_taken, confidence, status, opened_at, last_checked_at,
			last_price, realized_pnl)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21,
			$22, $23, $24, $25)`,
		p.ID, p.PortfolioID, p.SignalID, p.Ticker, string(p.InstrumentType), string(p.Direction), p.Symbol,
		string(p.OptionType), p.Strike, utcPtr(p.Expiry), p.EntryPrice, p.Quantity, p.RemainingQuantity,
		p.PositionSize, p.StopPrice, p.TargetPrice, p.PeakPrice, p.TrailingStopActive, p.PartialExitTaken,
		p.Confidence, string(p.Status), p.OpenedAt.UTC(), p.LastCheckedAt.UTC(), p.LastPrice, p.RealizedPnL)
	if err != nil {
		return fmt.Errorf("failed to insert position %s: %w", p.ID, err)
	}
	return nil
}

// ApplyExit appends e, updates the position projection already folded into p, and credits
// the proceeds to the owning portfolio. The three writes commit together.
func (r *PositionRepository) ApplyExit(ctx context.Context, p *models.Position, e *models.Exit) error {
	return WithTx(ctx, r.pool, func(tx Tx) error {
		return r.ApplyExitTx(ctx, tx, p, e)
	})
}

// ApplyExitTx is ApplyExit inside a caller-owned transaction. p must not yet contain e.
func (r *PositionRepository) ApplyExitTx(ctx context.Context, q Querier, p *models.Position, e *models.Exit) error {
	before := p.RemainingQuantity
	if err := p.RecordExit(*e, r.loc); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.OwnerID = p.ID
	p.Exits[len(p.Exits)-1] = *e

	if _, err := q.Exec(ctx, `
		INSERT INTO position_exits (id, position_id, reason, quantity, price, proceeds, realized_pnl, exited_at, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, p.ID, string(e.Reason), e.Quantity, e.Price, e.Proceeds, e.RealizedPnL, e.ExitedAt.UTC(), e.Note); err != nil {
		return fmt.Errorf("failed to insert exit for %s: %w", p.ID, err)
	}

	res, err := q.Exec(ctx, `
		UPDATE positions SET remaining_quantity = $1, stop_price = $2, peak_price = $3,
			trailing_stop_active = $4, partial_exit_taken = $5, status = $6, last_checked_at = $7,
			last_price = $8, exit_date = $9, hold_days = $10, realized_pnl = $11, realized_return_pct = $12
		WHERE id = $13 AND remaining_quantity = $14`,
		p.RemainingQuantity, p.StopPrice, p.PeakPrice, p.TrailingStopActive, p.PartialExitTaken, string(p.Status),
		p.LastCheckedAt.UTC(), p.LastPrice, utcPtr(p.ExitDate), intPtr64(p.HoldDays), p.RealizedPnL,
		p.RealizedReturnPct, p.ID, before)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s: %w", p.ID, ErrStaleState)
	}

	if _, err := q.Exec(ctx, `
		UPDATE portfolios SET cash_available = cash_available + $1, updated_at = $2 WHERE id = $3`,
		e.Proceeds, time.Now().UTC(), p.PortfolioID); err != nil {
		return fmt.Errorf("failed to credit portfolio %s: %w", p.PortfolioID, err)
	}
	return nil
}

// SaveMonitorState persists peak, stop, trailing flags, last price and check time without an exit.
func (r *PositionRepository) SaveMonitorState(ctx context.Context, p *models.Position) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE positions SET stop_price = $1, peak_price = $2, trailing_stop_active = $3,
			partial_exit_taken = $4, last_checked_at = $5, last_price = $6
		WHERE id = $7 AND status = 'open'`,
		p.StopPrice, p.PeakPrice, p.TrailingStopActive, p.PartialExitTaken, p.LastCheckedAt.UTC(), p.LastPrice, p.ID)
	if err != nil {
		return fmt.Errorf("failed to save monitor state for %s: %w", p.ID, err)
	}
	return nil
}

func (r *PositionRepository) Get(ctx context.Context, id string) (*models.Position, error) {
	p, err := scanPosition(r.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get position %s: %w", id, err)
	}
	exits, err := r.Exits(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Exits = exits
	return p, nil
}

// Exits returns the append-only exit log of a position, oldest first.
func (r *PositionRepository) Exits(ctx context.Context, positionID string) ([]models.Exit, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+exitColumns+` FROM position_exits WHERE position_id = $1 ORDER BY exited_at, id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exits for %s: %w", positionID, err)
	}
	defer rows.Close()
	return scanExits(rows, positionID)
}

func scanExits(rows Rows, ownerID string) ([]models.Exit, error) {
	var out []models.Exit
	for rows.Next() {
		e := models.Exit{OwnerID: ownerID}
		if err := rows.Scan(&e.ID, &e.Reason, &e.Quantity, &e.Price, &e.Proceeds, &e.RealizedPnL, &e.ExitedAt, &e.Note); err != nil {
			return nil, fmt.Errorf("failed to scan exit: %w", err)
		}
		e.ExitedAt = e.ExitedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListOpen returns all open positions, or those of one portfolio when portfolioID is set.
// q may be an open transaction.
func (r *PositionRepository) ListOpen(ctx context.Context, q Querier, portfolioID string) ([]*models.Position, error) {
	if q == nil {
		q = r.pool
	}
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = 'open'`
	var args []any
	if portfolioID != "" {
		query += ` AND portfolio_id = $1`
		args = append(args, portfolioID)
	}
	query += ` ORDER BY opened_at, id`
	return r.list(ctx, q, query, args...)
}

// ListClosed returns every closed position of a portfolio in exit order.
func (r *PositionRepository) ListClosed(ctx context.Context, portfolioID string) ([]*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = 'closed' AND portfolio_id = $1 ORDER BY exit_date, id`
	return r.list(ctx, r.pool, query, portfolioID)
}

// PositionFilter narrows List. Zero values are ignored.
type PositionFilter struct {
	PortfolioID string
	Status      models.InstrumentStatus
	Ticker      string
	Limit       int
}

func (r *PositionRepository) List(ctx context.Context, f PositionFilter) ([]*models.Position, error) {
	var (
		where []string
		args  []any
	)
	if f.PortfolioID != "" {
		args = append(args, f.PortfolioID)
		where = append(where, fmt.Sprintf("portfolio_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Ticker != "" {
		args = append(args, models.NormalizeTicker(f.Ticker))
		where = append(where, fmt.Sprintf("ticker = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY opened_at DESC, id LIMIT $%d`, len(args))
	return r.list(ctx, r.pool, query, args...)
}

func (r *PositionRepository) list(ctx context.Context, q Querier, query string, args ...any) ([]*models.Position, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()
	var out []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
