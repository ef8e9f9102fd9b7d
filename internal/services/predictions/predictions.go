// Package predictions opens shadow option predictions for every directional comment mention.
package predictions

import (
	"context"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/marketdata"
	"github.com/irfndi/tickerpulse/internal/markethours"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/services/lifecycle"
	"github.com/irfndi/tickerpulse/internal/services/strike"
	"github.com/irfndi/tickerpulse/internal/services/workerpool"
	"go.uber.org/zap"
)

// Creator opens predictions. They never touch portfolio cash.
type Creator struct {
	predictions *database.PredictionRepository
	market      marketdata.Provider
	calendar    *markethours.Calendar
	workers     *workerpool.Pool
	logger      *zap.Logger
	now         func() time.Time
}

// NewCreator creates a Creator that opens shadow option predictions.
func NewCreator(predictions *database.PredictionRepository, market marketdata.Provider, calendar *markethours.Calendar,
	workers *workerpool.Pool, logger *zap.Logger, now func() time.Time) *Creator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Creator{predictions: predictions, market: market, calendar: calendar, workers: workers, logger: logger, now: now}
}

// Result summarises one prediction phase.
type Result struct {
	Candidates int
	Created    int
	Skipped    int
	Warnings   []models.Warning
}

// Create opens one prediction per directional (comment, ticker) mention that has none yet.
// Mentions that cannot be priced stay candidates for the next cycle.
func (c *Creator) Create(ctx context.Context, cfg config.TradingConfig) (Result, error) {
	var res Result
	if !cfg.Predictions.Enabled {
		return res, nil
	}
	now := c.now()
	if !c.calendar.IsOpen(now) {
		res.Warnings = append(res.Warnings, models.NewWarning(models.PhasePredictions, "", now,
			"market closed, predictions deferred"))
		return res, nil
	}

	since, err := models.AddDays(c.calendar.Date(now), -cfg.Positions.SignalMaxAgeDays)
	if err != nil {
		return res, err
	}
	candidates, err := c.predictions.ListCandidates(ctx, since)
	if err != nil {
		return res, err
	}
	res.Candidates = len(candidates)
	if len(candidates) == 0 {
		return res, nil
	}

	tickers := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		tickers = append(tickers, cand.Ticker)
	}
	chains := workerpool.FetchAll(ctx, c.workers, tickers, c.market.OptionChain)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	for _, cand := range candidates {
		subject := cand.CommentID + ":" + cand.Ticker
		direction, ok := cand.Sentiment.Direction()
		if !ok {
			continue
		}
		chain := chains[cand.Ticker]
		if chain.Err != nil {
			res.Skipped++
			res.Warnings = append(res.Warnings, models.NewWarning(models.PhasePredictions, subject, now,
				"option chain unavailable: %v", chain.Err))
			continue
		}
		sel, err := strike.Select(chain.Value, direction, now, c.calendar.Location(), cfg.Strike)
		if err != nil {
			res.Skipped++
			res.Warnings = append(res.Warnings, models.NewWarning(models.PhasePredictions, subject, now,
				"strike selection failed: %v", err))
			continue
		}

		stop, target := lifecycle.Levels(cfg, models.InstrumentOption, sel.Premium)
		expiry := sel.Contract.Expiry
		p := &models.Prediction{
			CommentID:         cand.CommentID,
			AuthorID:          cand.AuthorID,
			Ticker:            cand.Ticker,
			Direction:         direction,
			Symbol:            sel.Symbol(),
			OptionType:        sel.Contract.Type,
			Strike:            sel.Contract.Strike,
			Expiry:            &expiry,
			EntryPrice:        sel.Premium,
			Quantity:          cfg.Predictions.Quantity,
			RemainingQuantity: cfg.Predictions.Quantity,
			StopPrice:         stop,
			TargetPrice:       target,
			PeakPrice:         sel.Premium,
			Status:            models.StatusOpen,
			OpenedAt:          now,
			LastCheckedAt:     now,
		}
		created, err := c.predictions.Create(ctx, p)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		}
	}
	if res.Created > 0 {
		c.logger.Info("Predictions opened", zap.Int("created", res.Created), zap.Int("candidates", res.Candidates))
	}
	return res, nil
}
