package exits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/marketdata"
	"github.com/irfndi/tickerpulse/internal/markethours"
	"github.com/irfndi/tickerpulse/internal/metrics"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/services/workerpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine monitors open positions and predictions and applies their exits.
type Engine struct {
	positions   *database.PositionRepository
	predictions *database.PredictionRepository
	market      marketdata.Provider
	history     marketdata.HistoricalProvider
	calendar    *markethours.Calendar
	workers     *workerpool.Pool
	metrics     *metrics.Registry
	logger      *zap.Logger
	now         func() time.Time
}

// Deps groups the collaborators of an Engine. History is optional.
type Deps struct {
	Positions   *database.PositionRepository
	Predictions *database.PredictionRepository
	Market      marketdata.Provider
	History     marketdata.HistoricalProvider
	Calendar    *markethours.Calendar
	Workers     *workerpool.Pool
	Metrics     *metrics.Registry
	Logger      *zap.Logger
	Now         func() time.Time
}

// NewEngine creates an Engine. Nil Logger and Now default to a no-op logger and time.Now.
func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Engine{
		positions:   d.Positions,
		predictions: d.Predictions,
		market:      d.Market,
		history:     d.History,
		calendar:    d.Calendar,
		workers:     d.Workers,
		metrics:     d.Metrics,
		logger:      d.Logger,
		now:         d.Now,
	}
}

// Result summarises one monitoring pass.
type Result struct {
	Checked  int
	Fills    int
	Closed   int
	Skipped  int
	Warnings []models.Warning
}

// instrument adapts positions and predictions to one monitoring loop.
type instrument interface {
	models.Monitored
	kind() string
	open() bool
	applyExit(ctx context.Context, e *models.Exit) error
	save(ctx context.Context, lastPrice decimal.Decimal) error
}

type positionItem struct {
	*models.Position
	repo *database.PositionRepository
}

func (p positionItem) kind() string { return "position" }
func (p positionItem) open() bool   { return p.IsOpen() }
func (p positionItem) applyExit(ctx context.Context, e *models.Exit) error {
	return p.repo.ApplyExit(ctx, p.Position, e)
}
func (p positionItem) save(ctx context.Context, lastPrice decimal.Decimal) error {
	if lastPrice.IsPositive() {
		p.LastPrice = lastPrice
	}
	return p.repo.SaveMonitorState(ctx, p.Position)
}

type predictionItem struct {
	*models.Prediction
	repo *database.PredictionRepository
}

func (p predictionItem) kind() string { return "prediction" }
func (p predictionItem) open() bool {
	return p.Status == models.StatusOpen && p.RemainingQuantity > 0
}
func (p predictionItem) applyExit(ctx context.Context, e *models.Exit) error {
	return p.repo.ApplyExit(ctx, p.Prediction, e)
}
func (p predictionItem) save(ctx context.Context, _ decimal.Decimal) error {
	return p.repo.SaveMonitorState(ctx, p.Prediction)
}

// Run evaluates every open position and prediction once. Market data is fetched on the
// worker pool; exits are applied sequentially, one transaction per fill.
func (e *Engine) Run(ctx context.Context, cfg config.TradingConfig) (Result, error) {
	var res Result
	now := e.now()

	positions, err := e.positions.ListOpen(ctx, nil, "")
	if err != nil {
		return res, err
	}
	predictions, err := e.predictions.ListOpen(ctx)
	if err != nil {
		return res, err
	}
	items := make([]instrument, 0, len(positions)+len(predictions))
	for _, p := range positions {
		items = append(items, positionItem{Position: p, repo: e.positions})
	}
	for _, p := range predictions {
		items = append(items, predictionItem{Prediction: p, repo: e.predictions})
	}
	if len(items) == 0 {
		return res, nil
	}

	windows := workerpool.FetchAll(ctx, e.workers, items, func(ctx context.Context, it instrument) ([]Point, error) {
		return e.window(ctx, it.MonitorState(), now)
	})
	if err := ctx.Err(); err != nil {
		return res, err
	}

	for _, it := range items {
		w := windows[it]
		if w.Err != nil {
			res.Skipped++
			res.Warnings = append(res.Warnings, models.NewWarning(models.PhaseExits, it.MonitoredID(), now,
				"%s %s not evaluated: %v", it.kind(), it.MonitorState().Symbol, w.Err))
			continue
		}
		res.Checked++
		if err := e.process(ctx, cfg, it, w.Value, now, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) process(ctx context.Context, cfg config.TradingConfig, it instrument, points []Point, now time.Time, res *Result) error {
	start := it.MonitorState()
	final, fills := Evaluate(cfg, start, points, e.calendar.Location())

	for _, f := range fills {
		before := f.State
		before.RemainingQuantity += f.Quantity
		it.ApplyMonitorState(before)

		exit := models.NewExit(it.MonitoredID(), f.Reason, f.Quantity, f.Price, start.EntryPrice, start.InstrumentType, f.At, "")
		if err := it.applyExit(ctx, &exit); err != nil {
			if errors.Is(err, database.ErrStaleState) || errors.Is(err, models.ErrPositionClosed) {
				res.Warnings = append(res.Warnings, models.NewWarning(models.PhaseExits, it.MonitoredID(), now,
					"%s exit abandoned: %v", f.Reason, err))
				return nil
			}
			return err
		}
		res.Fills++
		e.metrics.Exit(it.kind(), string(f.Reason))
		e.logger.Info("Exit applied",
			zap.String("owner", it.kind()),
			zap.String("id", it.MonitoredID()),
			zap.String("symbol", start.Symbol),
			zap.String("reason", string(f.Reason)),
			zap.Int64("quantity", f.Quantity),
			zap.String("price", f.Price.String()))
	}

	if !it.open() {
		res.Closed++
		return nil
	}
	final.LastCheckedAt = now
	it.ApplyMonitorState(final)
	return it.save(ctx, points[len(points)-1].Close)
}

// ClosePosition closes part or all of an open position at the current price. fraction
// outside (0, 1) closes the whole remainder; otherwise the rounded-down share is closed,
// at least one unit.
func (e *Engine) ClosePosition(ctx context.Context, id, reason string, fraction float64) (*models.Position, error) {
	p, err := e.positions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, fmt.Errorf("position %s: %w", id, models.ErrPositionClosed)
	}

	qty := p.RemainingQuantity
	if fraction > 0 && fraction < 1 {
		qty = partial(p.RemainingQuantity, decimal.NewFromFloat(fraction))
	}

	q, err := e.market.Quote(ctx, p.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to price %s: %w", p.Symbol, err)
	}
	price := q.PriceFor(p.InstrumentType)
	if !price.IsPositive() {
		return nil, fmt.Errorf("failed to price %s: %w", p.Symbol, marketdata.ErrUnavailable)
	}

	now := e.now()
	p.LastCheckedAt = now
	exit := models.NewExit(p.ID, models.ExitManual, qty, price, p.EntryPrice, p.InstrumentType, now, reason)
	if err := e.positions.ApplyExit(ctx, p, &exit); err != nil {
		return nil, err
	}
	e.metrics.Exit("position", string(models.ExitManual))
	e.logger.Info("Position closed manually",
		zap.String("position_id", p.ID),
		zap.Int64("quantity", qty),
		zap.String("price", price.String()),
		zap.String("reason", reason))
	return p, nil
}
