package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/irfndi/tickerpulse/internal/models"
)

const authorTrustColumns = `author_id, total_comments, quality_comments, predictions_resolved, predictions_correct,
	accuracy_ema, trust_score, first_seen_at, last_seen_at, updated_at`

type AuthorTrustRepository struct {
	pool DBPool
}

func NewAuthorTrustRepository(pool DBPool) *AuthorTrustRepository {
	return &AuthorTrustRepository{pool: pool}
}

func scanAuthorTrust(row scanner) (*models.AuthorTrust, error) {
	var a models.AuthorTrust
	if err := row.Scan(&a.AuthorID, &a.TotalComments, &a.QualityComments, &a.PredictionsResolved,
		&a.PredictionsCorrect, &a.AccuracyEMA, &a.TrustScore, &a.FirstSeenAt, &a.LastSeenAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.FirstSeenAt = a.FirstSeenAt.UTC()
	a.LastSeenAt = a.LastSeenAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// Snapshot returns every author's current trust score.
func (r *AuthorTrustRepository) Snapshot(ctx context.Context) (map[string]float64, error) {
	rows, err := r.pool.Query(ctx, `SELECT author_id, trust_score FROM author_trust`)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust snapshot: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var (
			id    string
			score float64
		)
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("failed to scan trust row: %w", err)
		}
		out[id] = score
	}
	return out, rows.Err()
}

// LoadMany returns stored records for the given authors; unknown authors are absent.
func (r *AuthorTrustRepository) LoadMany(ctx context.Context, ids []string) (map[string]*models.AuthorTrust, error) {
	out := make(map[string]*models.AuthorTrust, len(ids))
	for _, id := range ids {
		a, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = a
	}
	return out, nil
}

func (r *AuthorTrustRepository) Get(ctx context.Context, authorID string) (*models.AuthorTrust, error) {
	a, err := scanAuthorTrust(r.pool.QueryRow(ctx, `SELECT `+authorTrustColumns+` FROM author_trust WHERE author_id = $1`, authorID))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get author %s: %w", authorID, err)
	}
	return a, nil
}

// List returns authors ordered by trust score, highest first.
func (r *AuthorTrustRepository) List(ctx context.Context, limit int) ([]*models.AuthorTrust, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+authorTrustColumns+` FROM author_trust ORDER BY trust_score DESC, author_id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list authors: %w", err)
	}
	defer rows.Close()
	var out []*models.AuthorTrust
	for rows.Next() {
		a, err := scanAuthorTrust(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan author: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Upsert writes the full author record through q.
func (r *AuthorTrustRepository) Upsert(ctx context.Context, q Querier, a *models.AuthorTrust) error {
	if q == nil {
		q = r.pool
	}
	_, err := q.Exec(ctx, `
		INSERT INTO author_trust (author_id, total_comments, quality_comments, predictions_resolved,
			predictions_correct, accuracy_ema, trust_score, first_seen_at, last_seen_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (author_id) DO UPDATE SET
			total_comments = excluded.total_comments,
			quality_comments = excluded.quality_comments,
			predictions_resolved = excluded.predictions_resolved,
			predictions_correct = excluded.predictions_correct,
			accuracy_ema = excluded.accuracy_ema,
			trust_score = excluded.trust_score,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		a.AuthorID, a.TotalComments, a.QualityComments, a.PredictionsResolved, a.PredictionsCorrect,
		a.AccuracyEMA, a.TrustScore, a.FirstSeenAt.UTC(), a.LastSeenAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert author %s: %w", a.AuthorID, err)
	}
	return nil
}
