package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/shopspring/decimal"
)

const predictionColumns = `id, comment_id, author_id, ticker, direction, symbol, option_type, strike, expiry,
	entry_price, quantity, remaining_quantity, stop_price, target_price, peak_price, trailing_stop_active,
	partial_exit_taken, status, opened_at, last_checked_at, exit_date, hold_days, realized_pnl,
	total_return_pct, is_correct, manual_override, trust_applied`

// PredictionRepository stores shadow predictions. They never touch portfolio cash.
type PredictionRepository struct {
	pool DBPool
	loc  *time.Location
}

func NewPredictionRepository(pool DBPool, loc *time.Location) *PredictionRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &PredictionRepository{pool: pool, loc: loc}
}

func scanPrediction(row scanner) (*models.Prediction, error) {
	var (
		p         models.Prediction
		holdDays  *int64
		returnPct decimal.NullDecimal
	)
	if err := row.Scan(&p.ID, &p.CommentID, &p.AuthorID, &p.Ticker, &p.Direction, &p.Symbol, &p.OptionType,
		&p.Strike, &p.Expiry, &p.EntryPrice, &p.Quantity, &p.RemainingQuantity, &p.StopPrice, &p.TargetPrice,
		&p.PeakPrice, &p.TrailingStopActive, &p.PartialExitTaken, &p.Status, &p.OpenedAt, &p.LastCheckedAt,
		&p.ExitDate, &holdDays, &p.RealizedPnL, &returnPct, &p.IsCorrect, &p.ManualOverride,
		&p.TrustApplied); err != nil {
		return nil, err
	}
	p.Expiry = utcPtr(p.Expiry)
	p.ExitDate = utcPtr(p.ExitDate)
	p.OpenedAt = p.OpenedAt.UTC()
	p.LastCheckedAt = p.LastCheckedAt.UTC()
	p.HoldDays = nullIntPtr(holdDays)
	p.TotalReturnPct = nullDecimalPtr(returnPct)
	return &p, nil
}

// Create inserts a prediction; a duplicate (comment_id, ticker) returns false.
func (r *PredictionRepository) Create(ctx context.Context, p *models.Prediction) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	res, err := r.pool.Exec(ctx, `
		INSERT INTO predictions (id, comment_id, author_id, ticker, direction, symbol, option_type, strike, expiry,
			entry_price, quantity, remaining_quantity, stop_price, target_price, peak_price, trailing_stop_active,
			partial_exit_taken, status, opened_at, last_checked_at, realized_pnl, trust_applied)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, FALSE)
		ON CONFLICT (comment_id, ticker) DO NOTHING`,
		p.ID, p.CommentID, p.AuthorID, p.Ticker, string(p.Direction), p.Symbol, string(p.OptionType), p.Strike,
		utcPtr(p.Expiry), p.EntryPrice, p.Quantity, p.RemainingQuantity, p.StopPrice, p.TargetPrice, p.PeakPrice,
		p.TrailingStopActive, p.PartialExitTaken, string(p.Status), p.OpenedAt.UTC(), p.LastCheckedAt.UTC(),
		p.RealizedPnL)
	if err != nil {
		return false, fmt.Errorf("failed to insert prediction for %s/%s: %w", p.CommentID, p.Ticker, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ApplyExit appends e to prediction_exits and updates the projection in one transaction.
func (r *PredictionRepository) ApplyExit(ctx context.Context, p *models.Prediction, e *models.Exit) error {
	before := p.RemainingQuantity
	if err := p.RecordExit(*e, r.loc); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.OwnerID = p.ID
	return WithTx(ctx, r.pool, func(tx Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO prediction_exits (id, prediction_id, reason, quantity, price, proceeds, realized_pnl, exited_at, note)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, p.ID, string(e.Reason), e.Quantity, e.Price, e.Proceeds, e.RealizedPnL, e.ExitedAt.UTC(), e.Note); err != nil {
			return fmt.Errorf("failed to insert prediction exit for %s: %w", p.ID, err)
		}
		res, err := tx.Exec(ctx, `
			UPDATE predictions SET remaining_quantity = $1, stop_price = $2, peak_price = $3,
				trailing_stop_active = $4, partial_exit_taken = $5, status = $6, last_checked_at = $7,
				exit_date = $8, hold_days = $9, realized_pnl = $10, total_return_pct = $11, is_correct = $12
			WHERE id = $13 AND remaining_quantity = $14`,
			p.RemainingQuantity, p.StopPrice, p.PeakPrice, p.TrailingStopActive, p.PartialExitTaken, string(p.Status),
			p.LastCheckedAt.UTC(), utcPtr(p.ExitDate), intPtr64(p.HoldDays), p.RealizedPnL, p.TotalReturnPct,
			p.IsCorrect, p.ID, before)
		if err != nil {
			return fmt.Errorf("failed to update prediction %s: %w", p.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("prediction %s: %w", p.ID, ErrStaleState)
		}
		return nil
	})
}

// SaveMonitorState persists peak, stop and trailing flags without an exit.
func (r *PredictionRepository) SaveMonitorState(ctx context.Context, p *models.Prediction) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE predictions SET stop_price = $1, peak_price = $2, trailing_stop_active = $3,
			partial_exit_taken = $4, last_checked_at = $5
		WHERE id = $6 AND status = 'open'`,
		p.StopPrice, p.PeakPrice, p.TrailingStopActive, p.PartialExitTaken, p.LastCheckedAt.UTC(), p.ID)
	if err != nil {
		return fmt.Errorf("failed to save monitor state for prediction %s: %w", p.ID, err)
	}
	return nil
}

// SetOverride records a manual correctness verdict. Only open predictions accept one.
func (r *PredictionRepository) SetOverride(ctx context.Context, id string, correct bool) error {
	res, err := r.pool.Exec(ctx, `UPDATE predictions SET manual_override = $1 WHERE id = $2 AND status = 'open'`, correct, id)
	if err != nil {
		return fmt.Errorf("failed to set override on %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return models.ErrPositionClosed
}

func (r *PredictionRepository) Get(ctx context.Context, id string) (*models.Prediction, error) {
	p, err := scanPrediction(r.pool.QueryRow(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get prediction %s: %w", id, err)
	}
	return p, nil
}

// Exits returns the exit log of one prediction.
func (r *PredictionRepository) Exits(ctx context.Context, predictionID string) ([]models.Exit, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+exitColumns+` FROM prediction_exits WHERE prediction_id = $1 ORDER BY exited_at, id`, predictionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prediction exits for %s: %w", predictionID, err)
	}
	defer rows.Close()
	return scanExits(rows, predictionID)
}

func (r *PredictionRepository) ListOpen(ctx context.Context) ([]*models.Prediction, error) {
	return r.list(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE status = 'open' ORDER BY opened_at, id`)
}

// ListUnappliedOutcomes returns resolved predictions whose outcome has not reached author trust yet.
func (r *PredictionRepository) ListUnappliedOutcomes(ctx context.Context) ([]models.PredictionOutcome, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, author_id, is_correct FROM predictions
		WHERE status = 'closed' AND trust_applied = FALSE AND is_correct IS NOT NULL
		ORDER BY exit_date, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unapplied outcomes: %w", err)
	}
	defer rows.Close()
	var out []models.PredictionOutcome
	for rows.Next() {
		var o models.PredictionOutcome
		if err := rows.Scan(&o.PredictionID, &o.AuthorID, &o.IsCorrect); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkTrustApplied flags predictions whose outcomes were folded into author trust.
func (r *PredictionRepository) MarkTrustApplied(ctx context.Context, q Querier, ids []string) error {
	if q == nil {
		q = r.pool
	}
	for _, id := range ids {
		if _, err := q.Exec(ctx, `UPDATE predictions SET trust_applied = TRUE WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to mark trust applied on %s: %w", id, err)
		}
	}
	return nil
}

// Candidate is a directional (comment, ticker) mention that has no prediction yet.
type Candidate struct {
	CommentID   string
	AuthorID    string
	Ticker      string
	Sentiment   models.Sentiment
	CommentDate string
}

// ListCandidates returns directional mentions from processed comments dated on or after
// sinceDate that do not yet have a prediction.
func (r *PredictionRepository) ListCandidates(ctx context.Context, sinceDate string) ([]Candidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ct.comment_id, c.author_id, ct.ticker, ct.sentiment, ct.comment_date
		FROM comment_tickers ct
		JOIN comments c ON c.id = ct.comment_id
		LEFT JOIN predictions p ON p.comment_id = ct.comment_id AND p.ticker = ct.ticker
		WHERE p.id IS NULL AND ct.sentiment <> 'neutral' AND ct.comment_date >= $1
			AND c.processed_cycle_id IS NOT NULL
		ORDER BY c.created_at, ct.comment_id, ct.ticker`, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list prediction candidates: %w", err)
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.CommentID, &c.AuthorID, &c.Ticker, &c.Sentiment, &c.CommentDate); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PredictionFilter narrows List. Zero values are ignored.
type PredictionFilter struct {
	AuthorID string
	Ticker   string
	Status   models.InstrumentStatus
	Limit    int
}

func (r *PredictionRepository) List(ctx context.Context, f PredictionFilter) ([]*models.Prediction, error) {
	var (
		where []string
		args  []any
	)
	if f.AuthorID != "" {
		args = append(args, f.AuthorID)
		where = append(where, fmt.Sprintf("author_id = $%d", len(args)))
	}
	if f.Ticker != "" {
		args = append(args, models.NormalizeTicker(f.Ticker))
		where = append(where, fmt.Sprintf("ticker = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query := `SELECT ` + predictionColumns + ` FROM predictions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY opened_at DESC, id LIMIT $%d`, len(args))
	return r.list(ctx, query, args...)
}

func (r *PredictionRepository) list(ctx context.Context, query string, args ...any) ([]*models.Prediction, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer rows.Close()
	var out []*models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
