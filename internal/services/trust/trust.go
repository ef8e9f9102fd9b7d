// Package trust folds a cycle's comments and resolved predictions into per-author trust.
package trust

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/models"
	"go.uber.org/zap"
)

// Updater recalculates author trust from this cycle's comments and resolved predictions.
type Updater struct {
	db          database.DBPool
	authors     *database.AuthorTrustRepository
	predictions *database.PredictionRepository
	logger      *zap.Logger
	now         func() time.Time
}

// NewUpdater creates an Updater. now defaults to time.Now.
func NewUpdater(db database.DBPool, authors *database.AuthorTrustRepository, predictions *database.PredictionRepository,
	logger *zap.Logger, now func() time.Time) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Updater{db: db, authors: authors, predictions: predictions, logger: logger, now: now}
}

// Snapshot returns the trust scores a cycle scores signals with.
func (u *Updater) Snapshot(ctx context.Context) (map[string]float64, error) {
	return u.authors.Snapshot(ctx)
}

// Result summarises one trust update.
type Result struct {
	Authors  int
	Outcomes int
}

// Apply writes updated records for every author who commented this cycle or has a resolved,
// not yet applied prediction, then marks those predictions applied. All writes share one
// transaction.
func (u *Updater) Apply(ctx context.Context, cfg config.TrustConfig, comments []models.AnnotatedComment) (Result, error) {
	var res Result
	outcomes, err := u.predictions.ListUnappliedOutcomes(ctx)
	if err != nil {
		return res, err
	}

	byAuthor := make(map[string][]models.AnnotatedComment)
	for _, c := range comments {
		byAuthor[c.AuthorID] = append(byAuthor[c.AuthorID], c)
	}
	results := make(map[string][]bool)
	for _, o := range outcomes {
		results[o.AuthorID] = append(results[o.AuthorID], o.IsCorrect)
	}
	ids := make([]string, 0, len(byAuthor)+len(results))
	for id := range byAuthor {
		ids = append(ids, id)
	}
	for id := range results {
		if _, ok := byAuthor[id]; !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return res, nil
	}
	sort.Strings(ids)

	existing, err := u.authors.LoadMany(ctx, ids)
	if err != nil {
		return res, err
	}

	now := u.now().UTC()
	updated := make([]*models.AuthorTrust, 0, len(ids))
	for _, id := range ids {
		a := existing[id]
		if a == nil {
			a = &models.AuthorTrust{AuthorID: id, AccuracyEMA: cfg.EMASeed, FirstSeenAt: now, LastSeenAt: now}
		}
		Accumulate(cfg, a, byAuthor[id], results[id], now)
		updated = append(updated, a)
	}

	applied := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		applied = append(applied, o.PredictionID)
	}
	err = database.WithTx(ctx, u.db, func(tx database.Tx) error {
		for _, a := range updated {
			if err := u.authors.Upsert(ctx, tx, a); err != nil {
				return err
			}
		}
		return u.predictions.MarkTrustApplied(ctx, tx, applied)
	})
	if err != nil {
		return res, err
	}

	res.Authors = len(updated)
	res.Outcomes = len(outcomes)
	u.logger.Info("Author trust updated", zap.Int("authors", res.Authors), zap.Int("outcomes", res.Outcomes))
	return res, nil
}

// Accumulate folds comments and prediction results (oldest first) into a and recomputes its score.
func Accumulate(cfg config.TrustConfig, a *models.AuthorTrust, comments []models.AnnotatedComment, results []bool, now time.Time) {
	for _, c := range comments {
		a.TotalComments++
		if c.IsQualityCandidate() {
			a.QualityComments++
		}
		at := c.CreatedAt.UTC()
		if at.Before(a.FirstSeenAt) {
			a.FirstSeenAt = at
		}
		if at.After(a.LastSeenAt) {
			a.LastSeenAt = at
		}
	}
	for _, correct := range results {
		x := 0.0
		if correct {
			x = 1
			a.PredictionsCorrect++
		}
		a.PredictionsResolved++
		a.AccuracyEMA = cfg.EMAAlpha*x + (1-cfg.EMAAlpha)*a.AccuracyEMA
	}
	a.TrustScore = Score(cfg, a, now)
	a.UpdatedAt = now
}

// Score is the weighted blend of quality ratio, accuracy and tenure, clamped to [0,1].
func Score(cfg config.TrustConfig, a *models.AuthorTrust, now time.Time) float64 {
	tenure := 1.0
	if cfg.TenureDays > 0 {
		days := now.Sub(a.FirstSeenAt).Hours() / 24
		tenure = math.Min(1, math.Max(0, days)/float64(cfg.TenureDays))
	}
	s := a.QualityRatio()*cfg.QualityWeight + a.AccuracyEMA*cfg.AccuracyWeight + tenure*cfg.TenureWeight
	return math.Min(1, math.Max(0, s))
}
