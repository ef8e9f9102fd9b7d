// Package lifecycle opens paper positions from actionable signals and values the portfolios.
package lifecycle

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
	"github.com/irfndi/tickerpulse/internal/services/strike"
	"github.com/irfndi/tickerpulse/internal/services/workerpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager turns qualifying signals into positions across the four portfolios.
type Manager struct {
	db         database.DBPool
	signals    *database.SignalRepository
	portfolios *database.PortfolioRepository
	positions  *database.PositionRepository
	market     marketdata.Provider
	calendar   *markethours.Calendar
	workers    *workerpool.Pool
	metrics    *metrics.Registry
	logger     *zap.Logger
	now        func() time.Time
}

// Deps groups the collaborators of a Manager.
type Deps struct {
	DB         database.DBPool
	Signals    *database.SignalRepository
	Portfolios *database.PortfolioRepository
	Positions  *database.PositionRepository
	Market     marketdata.Provider
	Calendar   *markethours.Calendar
	Workers    *workerpool.Pool
	Metrics    *metrics.Registry
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewManager creates a Manager from its collaborators.
func NewManager(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Manager{
		db:         d.DB,
		signals:    d.Signals,
		portfolios: d.Portfolios,
		positions:  d.Positions,
		market:     d.Market,
		calendar:   d.Calendar,
		workers:    d.Workers,
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        d.Now,
	}
}

// Result summarises one position phase.
type Result struct {
	MarketClosed bool
	Considered   int
	Opened       int
	Replaced     int
	Rejected     int
	Skipped      int
	Warnings     []models.Warning
}

// legs are the instruments each signal is traded through, in opening order.
var legs = []models.InstrumentType{models.InstrumentStock, models.InstrumentOption}

// entry is the priced instrument a leg would open.
type entry struct {
	symbol     string
	price      decimal.Decimal
	optionType models.OptionType
	strike     decimal.Decimal
	expiry     *time.Time
}

// OpenPositions processes actionable signals by confidence, highest first. Outside regular
// market hours it does nothing and reports a warning.
func (m *Manager) OpenPositions(ctx context.Context, cfg config.TradingConfig) (Result, error) {
	var res Result
	now := m.now()
	if !m.calendar.IsOpen(now) {
		res.MarketClosed = true
		res.Warnings = append(res.Warnings, models.NewWarning(models.PhasePositions, "", now,
			"market closed, position opening skipped"))
		return res, nil
	}

	since, err := models.AddDays(m.calendar.Date(now), -cfg.Positions.SignalMaxAgeDays)
	if err != nil {
		return res, err
	}
	signals, err := m.signals.ListActionable(ctx, cfg.Positions.MinSignalConfidence, since)
	if err != nil {
		return res, err
	}
	if len(signals) == 0 {
		return res, nil
	}

	var stockTickers, optionTickers []string
	for _, sig := range signals {
		if sig.Direction == models.DirectionBullish {
			stockTickers = append(stockTickers, sig.Ticker)
		}
		optionTickers = append(optionTickers, sig.Ticker)
	}
	quotes := workerpool.FetchAll(ctx, m.workers, stockTickers, m.market.Quote)
	chains := workerpool.FetchAll(ctx, m.workers, optionTickers, m.market.OptionChain)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	for _, sig := range signals {
		res.Considered++
		for _, inst := range legs {
			if inst == models.InstrumentStock && sig.Direction == models.DirectionBearish {
				continue
			}
			e, warning := m.priceLeg(cfg, sig, inst, quotes, chains, now)
			if warning != nil {
				res.Skipped++
				res.Warnings = append(res.Warnings, *warning)
				continue
			}
			if err := m.openLeg(ctx, cfg, sig, inst, e, now, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (m *Manager) priceLeg(cfg config.TradingConfig, sig *models.Signal, inst models.InstrumentType,
	quotes map[string]workerpool.Fetched[marketdata.Quote], chains map[string]workerpool.Fetched[marketdata.Chain],
	now time.Time) (entry, *models.Warning) {
	subject := models.PortfolioID(inst, sig.SignalType) + ":" + sig.Ticker

	if inst == models.InstrumentStock {
		q := quotes[sig.Ticker]
		if q.Err != nil {
			w := models.NewWarning(models.PhasePositions, subject, now, "quote unavailable: %v", q.Err)
			return entry{}, &w
		}
		price := q.Value.PriceFor(inst)
		if !price.IsPositive() {
			w := models.NewWarning(models.PhasePositions, subject, now, "no usable quote price")
			return entry{}, &w
		}
		return entry{symbol: sig.Ticker, price: price}, nil
	}

	c := chains[sig.Ticker]
	if c.Err != nil {
		w := models.NewWarning(models.PhasePositions, subject, now, "option chain unavailable: %v", c.Err)
		return entry{}, &w
	}
	sel, err := strike.Select(c.Value, sig.Direction, now, m.calendar.Location(), cfg.Strike)
	if err != nil {
		w := models.NewWarning(models.PhasePositions, subject, now, "strike selection failed: %v", err)
		return entry{}, &w
	}
	expiry := sel.Contract.Expiry
	return entry{
		symbol:     sel.Symbol(),
		price:      sel.Premium,
		optionType: sel.Contract.Type,
		strike:     sel.Contract.Strike,
		expiry:     &expiry,
	}, nil
}

func (m *Manager) openLeg(ctx context.Context, cfg config.TradingConfig, sig *models.Signal, inst models.InstrumentType,
	e entry, now time.Time, res *Result) error {
	portfolioID := models.PortfolioID(inst, sig.SignalType)
	subject := portfolioID + ":" + sig.Ticker
	skip := func(format string, args ...any) {
		res.Skipped++
		res.Warnings = append(res.Warnings, models.NewWarning(models.PhasePositions, subject, now, format, args...))
	}

	pf, err := m.portfolios.Get(ctx, nil, portfolioID)
	if err != nil {
		return err
	}
	open, err := m.positions.ListOpen(ctx, nil, portfolioID)
	if err != nil {
		return err
	}

	alloc := Allocation(cfg.Positions, inst, sig.Confidence, pf.ValueOrCapital())
	units := Units(alloc, e.price, inst)
	if units < 1 {
		skip("allocation %s buys no whole units at %s", alloc.StringFixed(2), e.price.String())
		return nil
	}
	cost := e.price.Mul(inst.Multiplier()).Mul(decimal.NewFromInt(units))

	var (
		victim *models.Position
		exit   models.Exit
	)
	cash := pf.CashAvailable
	if len(open) >= pf.MaxPositions {
		victim = weakest(open)
		price, err := m.currentPrice(ctx, victim)
		if err != nil {
			res.Rejected++
			res.Warnings = append(res.Warnings, models.NewWarning(models.PhasePositions, subject, now,
				"at capacity and incumbent %s could not be priced: %v", victim.ID, err))
			return nil
		}
		gain := victim.UnrealizedGainPct(price)
		if !ShouldReplace(cfg.Positions, sig.Confidence, victim.Confidence, gain) {
			res.Rejected++
			res.Warnings = append(res.Warnings, models.NewWarning(models.PhasePositions, subject, now,
				"at capacity: confidence %.2f vs weakest %.2f with gain %s%%", sig.Confidence, victim.Confidence,
				gain.Mul(decimal.NewFromInt(100)).StringFixed(1)))
			return nil
		}
		exit = models.NewExit(victim.ID, models.ExitReplaced, victim.RemainingQuantity, price, victim.EntryPrice,
			victim.InstrumentType, now, fmt.Sprintf("replaced by %s %s signal %s", sig.Ticker, sig.SignalType, sig.ID))
		cash = cash.Add(exit.Proceeds)
	}
	if cost.GreaterThan(cash) {
		skip("insufficient cash: need %s, have %s", cost.StringFixed(2), cash.StringFixed(2))
		return nil
	}

	stop, target := Levels(cfg, inst, e.price)
	pos := &models.Position{
		PortfolioID:       portfolioID,
		SignalID:          sig.ID,
		Ticker:            sig.Ticker,
		InstrumentType:    inst,
		Direction:         sig.Direction,
		Symbol:            e.symbol,
		OptionType:        e.optionType,
		Strike:            e.strike,
		Expiry:            e.expiry,
		EntryPrice:        e.price,
		Quantity:          units,
		RemainingQuantity: units,
		PositionSize:      cost,
		StopPrice:         stop,
		TargetPrice:       target,
		PeakPrice:         e.price,
		Confidence:        sig.Confidence,
		Status:            models.StatusOpen,
		OpenedAt:          now,
		LastCheckedAt:     now,
		LastPrice:         e.price,
	}

	err = database.WithTx(ctx, m.db, func(tx database.Tx) error {
		if victim != nil {
			if err := m.positions.ApplyExitTx(ctx, tx, victim, &exit); err != nil {
				return err
			}
		}
		if err := m.positions.Open(ctx, tx, pos); err != nil {
			return err
		}
		return m.signals.MarkPositionOpened(ctx, tx, sig.ID)
	})
	switch {
	case errors.Is(err, database.ErrInsufficientCash), errors.Is(err, database.ErrStaleState),
		errors.Is(err, models.ErrPositionClosed):
		skip("open aborted: %v", err)
		return nil
	case err != nil:
		return err
	}

	sig.PositionOpened = true
	res.Opened++
	m.metrics.PositionOpened(portfolioID)
	if victim != nil {
		res.Replaced++
		m.metrics.Exit("position", string(models.ExitReplaced))
		m.logger.Info("Position replaced",
			zap.String("portfolio", portfolioID),
			zap.String("replaced_id", victim.ID),
			zap.Float64("replaced_confidence", victim.Confidence),
			zap.String("proceeds", exit.Proceeds.StringFixed(2)))
	}
	m.logger.Info("Position opened",
		zap.String("portfolio", portfolioID),
		zap.String("position_id", pos.ID),
		zap.String("ticker", pos.Ticker),
		zap.String("symbol", pos.Symbol),
		zap.Int64("quantity", pos.Quantity),
		zap.String("entry_price", pos.EntryPrice.String()),
		zap.Float64("confidence", sig.Confidence))
	return nil
}

// currentPrice quotes an open position's instrument.
func (m *Manager) currentPrice(ctx context.Context, p *models.Position) (decimal.Decimal, error) {
	q, err := m.market.Quote(ctx, p.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	price := q.PriceFor(p.InstrumentType)
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usable price for %s", p.Symbol)
	}
	return price, nil
}

// ValuationResult summarises one mark-to-market pass.
type ValuationResult struct {
	Values   map[string]decimal.Decimal
	Warnings []models.Warning
}

// Valuate sets every portfolio's current value to cash plus its open positions marked at
// the latest price. An unpriceable position is carried at its last known price.
func (m *Manager) Valuate(ctx context.Context) (ValuationResult, error) {
	res := ValuationResult{Values: make(map[string]decimal.Decimal)}
	now := m.now()

	portfolios, err := m.portfolios.List(ctx)
	if err != nil {
		return res, err
	}
	open, err := m.positions.ListOpen(ctx, nil, "")
	if err != nil {
		return res, err
	}

	prices := workerpool.FetchAll(ctx, m.workers, open, m.currentPrice)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	held := make(map[string]decimal.Decimal)
	for _, p := range open {
		price := prices[p].Value
		if err := prices[p].Err; err != nil {
			price = p.LastPrice
			if !price.IsPositive() {
				price = p.EntryPrice
			}
			res.Warnings = append(res.Warnings, models.NewWarning(models.PhaseValuation, p.ID, now,
				"valued %s at last known price %s: %v", p.Symbol, price.String(), err))
		}
		held[p.PortfolioID] = held[p.PortfolioID].Add(p.MarketValue(price))
	}

	for _, pf := range portfolios {
		value := pf.CashAvailable.Add(held[pf.ID])
		if err := m.portfolios.SetValue(ctx, pf.ID, value); err != nil {
			return res, err
		}
		res.Values[pf.ID] = value
		m.metrics.Portfolio(pf.ID, pf.CashAvailable.InexactFloat64(), value.InexactFloat64())
	}
	return res, nil
}
