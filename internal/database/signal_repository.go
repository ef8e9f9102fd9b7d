package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/jackc/pgx/v5"
)

const signalColumns = `id, ticker, signal_type, signal_date, direction, confidence, comment_count, author_count,
	volume_score, alignment_score, mean_ai_confidence, mean_author_trust, emergent, position_opened,
	created_at, updated_at`

type SignalRepository struct {
	pool DBPool
}

func NewSignalRepository(pool DBPool) *SignalRepository {
	return &SignalRepository{pool: pool}
}

func scanSignal(row scanner) (*models.Signal, error) {
	var s models.Signal
	if err := row.Scan(&s.ID, &s.Ticker, &s.SignalType, &s.SignalDate, &s.Direction, &s.Confidence,
		&s.CommentCount, &s.AuthorCount, &s.VolumeScore, &s.AlignmentScore, &s.MeanAIConfidence,
		&s.MeanAuthorTrust, &s.Emergent, &s.PositionOpened, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// Upsert writes the score fields of s keyed by (ticker, signal_type, signal_date).
// An existing row keeps its id, created_at and position_opened; s is refreshed with them.
func (r *SignalRepository) Upsert(ctx context.Context, s *models.Signal) error {
	now := time.Now().UTC()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO signals (id, ticker, signal_type, signal_date, direction, confidence, comment_count,
			author_count, volume_score, alignment_score, mean_ai_confidence, mean_author_trust, emergent,
			position_opened, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, FALSE, $14, $14)
		ON CONFLICT (ticker, signal_type, signal_date) DO UPDATE SET
			direction = excluded.direction,
			confidence = excluded.confidence,
			comment_count = excluded.comment_count,
			author_count = excluded.author_count,
			volume_score = excluded.volume_score,
			alignment_score = excluded.alignment_score,
			mean_ai_confidence = excluded.mean_ai_confidence,
			mean_author_trust = excluded.mean_author_trust,
			updated_at = excluded.updated_at
		RETURNING id, position_opened, emergent, created_at, updated_at`,
		s.ID, s.Ticker, string(s.SignalType), s.SignalDate, string(s.Direction), s.Confidence, s.CommentCount,
		s.AuthorCount, s.VolumeScore, s.AlignmentScore, s.MeanAIConfidence, s.MeanAuthorTrust, s.Emergent, now)
	if err := row.Scan(&s.ID, &s.PositionOpened, &s.Emergent, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert signal %s/%s/%s: %w", s.Ticker, s.SignalType, s.SignalDate, err)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return nil
}

// Withdraw deletes a signal that no longer fires, unless positions were already opened from it.
func (r *SignalRepository) Withdraw(ctx context.Context, key models.SignalKey) (bool, error) {
	res, err := r.pool.Exec(ctx, `
		DELETE FROM signals
		WHERE ticker = $1 AND signal_type = $2 AND signal_date = $3 AND position_opened = FALSE`,
		key.Ticker, string(key.SignalType), key.Date)
	if err != nil {
		return false, fmt.Errorf("failed to withdraw signal: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetEmergent stores the emergence flag; nil means not yet determinable.
func (r *SignalRepository) SetEmergent(ctx context.Context, id string, emergent *bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE signals SET emergent = $1 WHERE id = $2`, emergent, id)
	if err != nil {
		return fmt.Errorf("failed to set emergent on %s: %w", id, err)
	}
	return nil
}

// MarkPositionOpened flips position_opened to true. It never resets it.
func (r *SignalRepository) MarkPositionOpened(ctx context.Context, q Querier, id string) error {
	if q == nil {
		q = r.pool
	}
	_, err := q.Exec(ctx, `UPDATE signals SET position_opened = TRUE, updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark signal %s opened: %w", id, err)
	}
	return nil
}

func (r *SignalRepository) Get(ctx context.Context, id string) (*models.Signal, error) {
	s, err := scanSignal(r.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get signal %s: %w", id, err)
	}
	return s, nil
}

func (r *SignalRepository) GetByKey(ctx context.Context, key models.SignalKey) (*models.Signal, error) {
	s, err := scanSignal(r.pool.QueryRow(ctx, `SELECT `+signalColumns+`
		FROM signals WHERE ticker = $1 AND signal_type = $2 AND signal_date = $3`,
		key.Ticker, string(key.SignalType), key.Date))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return s, nil
}

// ListActionable returns signals eligible for opening, highest confidence first.
func (r *SignalRepository) ListActionable(ctx context.Context, minConfidence float64, sinceDate string) ([]*models.Signal, error) {
	return r.list(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE position_opened = FALSE AND confidence >= $1 AND signal_date >= $2
		ORDER BY confidence DESC, signal_date DESC, ticker, signal_type`, minConfidence, sinceDate)
}

// SignalFilter narrows List. Zero values are ignored.
type SignalFilter struct {
	Date       string
	Ticker     string
	SignalType models.SignalType
	Limit      int
}

func (r *SignalRepository) List(ctx context.Context, f SignalFilter) ([]*models.Signal, error) {
	var (
		where []string
		args  []any
	)
	if f.Date != "" {
		args = append(args, f.Date)
		where = append(where, fmt.Sprintf("signal_date = $%d", len(args)))
	}
	if f.Ticker != "" {
		args = append(args, models.NormalizeTicker(f.Ticker))
		where = append(where, fmt.Sprintf("ticker = $%d", len(args)))
	}
	if f.SignalType != "" {
		args = append(args, string(f.SignalType))
		where = append(where, fmt.Sprintf("signal_type = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	q := `SELECT ` + signalColumns + ` FROM signals`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(` ORDER BY signal_date DESC, confidence DESC LIMIT $%d`, len(args))
	return r.list(ctx, q, args...)
}

func (r *SignalRepository) list(ctx context.Context, q string, args ...any) ([]*models.Signal, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()
	var out []*models.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}
