package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/tickerpulse/internal/models"
)

// ErrCycleRunning is returned by Start while another cycle row is in the running state.
var ErrCycleRunning = errors.New("a cycle is already running")

const cycleColumns = `id, kind, trigger_source, status, phase, counters, warnings, error, started_at, finished_at`

type CycleRepository struct {
	pool DBPool
}

func NewCycleRepository(pool DBPool) *CycleRepository {
	return &CycleRepository{pool: pool}
}

func scanCycle(row scanner) (*models.CycleRun, error) {
	var (
		c        models.CycleRun
		counters string
		warnings *string
	)
	if err := row.Scan(&c.ID, &c.Kind, &c.Trigger, &c.Status, &c.Phase, &counters, &warnings, &c.Error,
		&c.StartedAt, &c.FinishedAt); err != nil {
		return nil, err
	}
	c.StartedAt = c.StartedAt.UTC()
	c.FinishedAt = utcPtr(c.FinishedAt)
	c.Counters = map[string]int64{}
	if counters != "" {
		if err := json.Unmarshal([]byte(counters), &c.Counters); err != nil {
			return nil, fmt.Errorf("failed to decode counters: %w", err)
		}
	}
	if warnings != nil && *warnings != "" {
		if err := json.Unmarshal([]byte(*warnings), &c.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}
	}
	return &c, nil
}

// Start inserts a running row. The partial unique index on status backs the HasRunning check.
func (r *CycleRepository) Start(ctx context.Context, run *models.CycleRun) error {
	running, err := r.HasRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		return ErrCycleRunning
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO cycle_runs (id, kind, trigger_source, status, phase, counters, warnings, error, started_at)
		VALUES ($1, $2, $3, $4, $5, '{}', NULL, '', $6)`,
		run.ID, string(run.Kind), run.Trigger, string(models.CycleRunning), run.Phase, run.StartedAt.UTC())
	if err != nil {
		if again, checkErr := r.HasRunning(ctx); checkErr == nil && again {
			return ErrCycleRunning
		}
		return fmt.Errorf("failed to start cycle %s: %w", run.ID, err)
	}
	run.Status = models.CycleRunning
	return nil
}

func (r *CycleRepository) HasRunning(ctx context.Context) (bool, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cycle_runs WHERE status = 'running'`).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check running cycles: %w", err)
	}
	return n > 0, nil
}

// UpdateProgress stores the current phase and counters of a running cycle.
func (r *CycleRepository) UpdateProgress(ctx context.Context, id, phase string, counters map[string]int64) error {
	raw, err := jsonText(counters)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `UPDATE cycle_runs SET phase = $1, counters = $2 WHERE id = $3 AND status = 'running'`, phase, raw, id)
	if err != nil {
		return fmt.Errorf("failed to update cycle %s progress: %w", id, err)
	}
	return nil
}

// Finish moves a running cycle to its terminal status. Warnings persist as NULL when empty.
func (r *CycleRepository) Finish(ctx context.Context, run *models.CycleRun) error {
	counters, err := jsonText(run.Counters)
	if err != nil {
		return err
	}
	var warnings *string
	if len(run.Warnings) > 0 {
		w, err := jsonText(run.Warnings)
		if err != nil {
			return err
		}
		warnings = &w
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE cycle_runs SET status = $1, phase = $2, counters = $3, warnings = $4, error = $5, finished_at = $6
		WHERE id = $7 AND status = 'running'`,
		string(run.Status), run.Phase, counters, warnings, run.Error, finished, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish cycle %s: %w", run.ID, err)
	}
	run.FinishedAt = &finished
	return nil
}

// RecoverStale fails every cycle left running by a previous process and returns their ids.
func (r *CycleRepository) RecoverStale(ctx context.Context, reason string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM cycle_runs WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale cycles: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stale cycle: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := r.pool.Exec(ctx, `
			UPDATE cycle_runs SET status = 'failed', error = $1, finished_at = $2
			WHERE id = $3 AND status = 'running'`, reason, now, id); err != nil {
			return nil, fmt.Errorf("failed to recover cycle %s: %w", id, err)
		}
	}
	return ids, nil
}

func (r *CycleRepository) Get(ctx context.Context, id string) (*models.CycleRun, error) {
	c, err := scanCycle(r.pool.QueryRow(ctx, `SELECT `+cycleColumns+` FROM cycle_runs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cycle %s: %w", id, err)
	}
	return c, nil
}

// Latest returns the most recently started cycle, optionally of one kind.
func (r *CycleRepository) Latest(ctx context.Context, kind models.CycleKind) (*models.CycleRun, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycle_runs`
	var args []any
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, string(kind))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT 1`
	c, err := scanCycle(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest cycle: %w", err)
	}
	return c, nil
}

func (r *CycleRepository) List(ctx context.Context, limit int) ([]*models.CycleRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `SELECT `+cycleColumns+` FROM cycle_runs ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()
	var out []*models.CycleRun
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
