package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/irfndi/tickerpulse/internal/models"
)

// CommentRepository stores annotated comments and their per-ticker mentions.
type CommentRepository struct {
	pool DBPool
}

func NewCommentRepository(pool DBPool) *CommentRepository {
	return &CommentRepository{pool: pool}
}

// Insert stores a comment once. A duplicate id returns false without error.
func (r *CommentRepository) Insert(ctx context.Context, c models.AnnotatedComment, loc *time.Location) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	date := models.MarketDate(c.CreatedAt, loc)
	inserted := false
	err := WithTx(ctx, r.pool, func(tx Tx) error {
		res, err := tx.Exec(ctx, `
			INSERT INTO comments (id, author_id, created_at, comment_date, confidence, has_reasoning,
				sarcasm_detected, author_trust, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			c.ID, c.AuthorID, c.CreatedAt.UTC(), date, c.Confidence, c.HasReasoning,
			c.SarcasmDetected, c.AuthorTrust, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to insert comment %s: %w", c.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		for _, ts := range c.Tickers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO comment_tickers (comment_id, ticker, sentiment, comment_date)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (comment_id, ticker) DO NOTHING`,
				c.ID, models.NormalizeTicker(ts.Ticker), string(ts.Sentiment), date); err != nil {
				return fmt.Errorf("failed to insert mention %s/%s: %w", c.ID, ts.Ticker, err)
			}
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// Claim marks every unprocessed comment as owned by cycleID and returns how many were claimed.
func (r *CommentRepository) Claim(ctx context.Context, cycleID string) (int64, error) {
	res, err := r.pool.Exec(ctx, `UPDATE comments SET processed_cycle_id = $1 WHERE processed_cycle_id IS NULL`, cycleID)
	if err != nil {
		return 0, fmt.Errorf("failed to claim comments: %w", err)
	}
	return res.RowsAffected()
}

// Release hands a failed cycle's comments back to the next cycle.
func (r *CommentRepository) Release(ctx context.Context, cycleID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE comments SET processed_cycle_id = NULL WHERE processed_cycle_id = $1`, cycleID)
	if err != nil {
		return fmt.Errorf("failed to release comments: %w", err)
	}
	return nil
}

// ListByCycle returns the comments claimed by cycleID with their tickers.
func (r *CommentRepository) ListByCycle(ctx context.Context, cycleID string) ([]models.AnnotatedComment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.author_id, c.created_at, c.confidence, c.has_reasoning, c.sarcasm_detected,
			c.author_trust, ct.ticker, ct.sentiment
		FROM comments c
		LEFT JOIN comment_tickers ct ON ct.comment_id = c.id
		WHERE c.processed_cycle_id = $1
		ORDER BY c.created_at, c.id, ct.ticker`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle comments: %w", err)
	}
	defer rows.Close()

	var out []models.AnnotatedComment
	index := make(map[string]int)
	for rows.Next() {
		var (
			c         models.AnnotatedComment
			ticker    *string
			sentiment *string
		)
		if err := rows.Scan(&c.ID, &c.AuthorID, &c.CreatedAt, &c.Confidence, &c.HasReasoning,
			&c.SarcasmDetected, &c.AuthorTrust, &ticker, &sentiment); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		i, ok := index[c.ID]
		if !ok {
			c.CreatedAt = c.CreatedAt.UTC()
			out = append(out, c)
			i = len(out) - 1
			index[c.ID] = i
		}
		if ticker != nil && sentiment != nil {
			out[i].Tickers = append(out[i].Tickers, models.TickerSentiment{
				Ticker:    *ticker,
				Sentiment: models.Sentiment(*sentiment),
			})
		}
	}
	return out, rows.Err()
}

// MentionsForDay loads every stored mention of ticker on date, regardless of cycle.
func (r *CommentRepository) MentionsForDay(ctx context.Context, ticker, date string) ([]models.Mention, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ct.comment_id, c.author_id, ct.ticker, ct.sentiment, ct.comment_date, c.confidence,
			c.has_reasoning, c.sarcasm_detected, c.author_trust, c.created_at
		FROM comment_tickers ct
		JOIN comments c ON c.id = ct.comment_id
		WHERE ct.ticker = $1 AND ct.comment_date = $2
		ORDER BY c.created_at, ct.comment_id`, ticker, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load mentions for %s on %s: %w", ticker, date, err)
	}
	defer rows.Close()

	var out []models.Mention
	for rows.Next() {
		var (
			m     models.Mention
			trust *float64
		)
		if err := rows.Scan(&m.CommentID, &m.AuthorID, &m.Ticker, &m.Sentiment, &m.CommentDate, &m.Confidence,
			&m.HasReasoning, &m.SarcasmDetected, &trust, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mention: %w", err)
		}
		m.CommentTrust = trust
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMentions counts mentions of ticker with from <= comment_date < to.
func (r *CommentRepository) CountMentions(ctx context.Context, ticker, from, to string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM comment_tickers
		WHERE ticker = $1 AND comment_date >= $2 AND comment_date < $3`, ticker, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mentions: %w", err)
	}
	return n, nil
}

// EarliestDate returns the oldest stored comment date, or false when the store is empty.
func (r *CommentRepository) EarliestDate(ctx context.Context) (string, bool, error) {
	var d *string
	if err := r.pool.QueryRow(ctx, `SELECT MIN(comment_date) FROM comments`).Scan(&d); err != nil {
		return "", false, fmt.Errorf("failed to read earliest comment date: %w", err)
	}
	if d == nil {
		return "", false, nil
	}
	return *d, true, nil
}

// TouchedDays returns the distinct (ticker, date) keys mentioned by the given comments.
func TouchedDays(comments []models.AnnotatedComment, loc *time.Location) []models.TickerDay {
	seen := make(map[models.TickerDay]bool)
	var out []models.TickerDay
	for _, c := range comments {
		date := models.MarketDate(c.CreatedAt, loc)
		for _, ts := range c.Tickers {
			key := models.TickerDay{Ticker: models.NormalizeTicker(ts.Ticker), Date: date}
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out
}

// LatestCreatedAt returns the newest stored comment timestamp, or nil when the store is empty.
func (r *CommentRepository) LatestCreatedAt(ctx context.Context) (*time.Time, error) {
	var ts time.Time
	err := r.pool.QueryRow(ctx, `SELECT created_at FROM comments ORDER BY created_at DESC LIMIT 1`).Scan(&ts)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest comment time: %w", err)
	}
	return utcPtr(&ts), nil
}
