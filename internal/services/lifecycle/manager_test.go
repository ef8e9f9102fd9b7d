package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/marketdata"
	"github.com/irfndi/tickerpulse/internal/marketdata/marketdatatest"
	"github.com/irfndi/tickerpulse/internal/markethours"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	db         *database.SQLiteDB
	signals    *database.SignalRepository
	portfolios *database.PortfolioRepository
	positions  *database.PositionRepository
	market     *marketdatatest.Provider
	calendar   *markethours.Calendar
	manager    *Manager
	now        time.Time
}

func newHarness(t *testing.T, maxPositions int) *harness {
	t.Helper()
	cal, err := markethours.New(config.MarketHoursConfig{Timezone: "America/New_York", Open: "09:30", Close: "16:00"})
	require.NoError(t, err)

	h := &harness{
		db:       testutil.NewSQLiteDB(t),
		market:   marketdatatest.New(),
		calendar: cal,
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, cal.Location()),
	}
	h.signals = database.NewSignalRepository(h.db)
	h.portfolios = database.NewPortfolioRepository(h.db)
	h.positions = database.NewPositionRepository(h.db, cal.Location())
	require.NoError(t, h.portfolios.Seed(context.Background(),
		models.SeedPortfolios(decimal.NewFromInt(100000), maxPositions, h.now)))

	h.manager = NewManager(Deps{
		DB:         h.db,
		Signals:    h.signals,
		Portfolios: h.portfolios,
		Positions:  h.positions,
		Market:     h.market,
		Calendar:   cal,
		Now:        func() time.Time { return h.now },
	})
	return h
}

func (h *harness) signal(t *testing.T, ticker string, st models.SignalType, dir models.Direction, conf float64, date string) *models.Signal {
	t.Helper()
	sig := &models.Signal{Ticker: ticker, SignalType: st, SignalDate: date, Direction: dir, Confidence: conf,
		CommentCount: 5, AuthorCount: 3}
	require.NoError(t, h.signals.Upsert(context.Background(), sig))
	return sig
}

func (h *harness) chain(underlying string) {
	expiry := time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC)
	quote := func(typ models.OptionType, strike string, delta float64) marketdata.OptionContract {
		return marketdata.OptionContract{
			Underlying: underlying, Type: typ, Strike: decimal.RequireFromString(strike), Expiry: expiry,
			Bid: decimal.RequireFromString("2.00"), Ask: decimal.RequireFromString("2.20"), Delta: delta,
		}
	}
	h.market.SetChain(marketdata.Chain{Underlying: underlying, Contracts: []marketdata.OptionContract{
		quote(models.OptionCall, "110", 0.30),
		quote(models.OptionPut, "90", -0.30),
	}})
}

func (h *harness) cash(t *testing.T, portfolioID string) decimal.Decimal {
	t.Helper()
	pf, err := h.portfolios.Get(context.Background(), nil, portfolioID)
	require.NoError(t, err)
	return pf.CashAvailable
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestOpenPositions_BullishOpensBothLegs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	cfg := config.DefaultTradingConfig()
	sig := h.signal(t, "NVDA", models.SignalTypeQuality, models.DirectionBullish, 0.9, "2026-03-02")
	h.market.SetPrice("NVDA", "100")
	h.chain("NVDA")

	res, err := h.manager.OpenPositions(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Considered)
	assert.Equal(t, 2, res.Opened)
	assert.Empty(t, res.Warnings)

	stocks, err := h.positions.ListOpen(ctx, nil, models.PortfolioStockQuality)
	require.NoError(t, err)
	require.Len(t, stocks, 1)
	assert.Equal(t, int64(100), stocks[0].Quantity)
	assertDecimal(t, "90", stocks[0].StopPrice)
	assertDecimal(t, "115", stocks[0].TargetPrice)
	assertDecimal(t, "90000", h.cash(t, models.PortfolioStockQuality))

	options, err := h.positions.ListOpen(ctx, nil, models.PortfolioOptionQuality)
	require.NoError(t, err)
	require.Len(t, options, 1)
	opt := options[0]
	assert.Equal(t, models.OptionCall, opt.OptionType)
	assert.Equal(t, "NVDA260319C00110000", opt.Symbol)
	assert.Equal(t, int64(9), opt.Quantity)
	assertDecimal(t, "2.1", opt.EntryPrice)
	assertDecimal(t, "1.05", opt.StopPrice)
	assertDecimal(t, "4.2", opt.TargetPrice)
	assertDecimal(t, "98110", h.cash(t, models.PortfolioOptionQuality))

	stored, err := h.signals.Get(ctx, sig.ID)
	require.NoError(t, err)
	assert.True(t, stored.PositionOpened)

	again, err := h.manager.OpenPositions(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, again.Considered)
}

func TestOpenPositions_BearishSkipsStockLeg(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	h.signal(t, "NVDA", models.SignalTypeConsensus, models.DirectionBearish, 0.7, "2026-03-02")
	h.market.SetPrice("NVDA", "100")
	h.chain("NVDA")

	res, err := h.manager.OpenPositions(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Opened)

	stocks, err := h.positions.ListOpen(ctx, nil, models.PortfolioStockConsensus)
	require.NoError(t, err)
	assert.Empty(t, stocks)

	options, err := h.positions.ListOpen(ctx, nil, models.PortfolioOptionConsensus)
	require.NoError(t, err)
	require.Len(t, options, 1)
	assert.Equal(t, models.OptionPut, options[0].OptionType)
	assert.Equal(t, models.DirectionBearish, options[0].Direction)
}

func TestOpenPositions_MarketClosed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	h.now = time.Date(2026, 3, 7, 11, 0, 0, 0, h.calendar.Location())
	h.signal(t, "NVDA", models.SignalTypeQuality, models.DirectionBullish, 0.9, "2026-03-07")
	h.market.SetPrice("NVDA", "100")

	res, err := h.manager.OpenPositions(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.True(t, res.MarketClosed)
	require.Len(t, res.Warnings, 1)
	assert.Zero(t, h.market.Calls("quote", "NVDA"))
}

func TestOpenPositions_IgnoresStaleAndWeakSignals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	h.signal(t, "OLD", models.SignalTypeQuality, models.DirectionBullish, 0.9, "2026-02-20")
	h.signal(t, "WEAK", models.SignalTypeQuality, models.DirectionBullish, 0.4, "2026-03-02")

	res, err := h.manager.OpenPositions(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Zero(t, res.Considered)
}

func TestOpenPositions_MissingChainWarnsAndKeepsStockLeg(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	h.signal(t, "NVDA", models.SignalTypeQuality, models.DirectionBullish, 0.9, "2026-03-02")
	h.market.SetPrice("NVDA", "100")

	res, err := h.manager.OpenPositions(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Opened)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "option_quality:NVDA", res.Warnings[0].Subject)
}

// seedIncumbent fills a capacity-one stock portfolio with a 50 share position at $100.
func (h *harness) seedIncumbent(t *testing.T, conf float64) *models.Position {
	t.Helper()
	return h.seedOpen(t, "AMD", conf)
}

// seedOpen opens a 50 share stock_quality position in ticker at $100.
func (h *harness) seedOpen(t *testing.T, ticker string, conf float64) *models.Position {
	t.Helper()
	ctx := context.Background()
	sig := h.signal(t, ticker, models.SignalTypeQuality, models.DirectionBullish, conf, "2026-02-27")
	require.NoError(t, h.signals.MarkPositionOpened(ctx, nil, sig.ID))
	p := &models.Position{
		PortfolioID: models.PortfolioStockQuality, SignalID: sig.ID, Ticker: ticker,
		InstrumentType: models.InstrumentStock, Direction: models.DirectionBullish, Symbol: ticker,
		EntryPrice: decimal.NewFromInt(100), Quantity: 50, RemainingQuantity: 50,
		PositionSize: decimal.NewFromInt(5000), StopPrice: decimal.NewFromInt(90), TargetPrice: decimal.NewFromInt(115),
		PeakPrice: decimal.NewFromInt(100), Confidence: conf, Status: models.StatusOpen,
		OpenedAt: h.now.AddDate(0, 0, -3), LastCheckedAt: h.now.AddDate(0, 0, -3), LastPrice: decimal.NewFromInt(100),
	}
	require.NoError(t, h.positions.Open(ctx, h.db, p))
	return p
}

func TestOpenPositions_CapacityReplacement(t *testing.T) {
	tests := []struct {
		name        string
		incumbent   float64
		challenger  float64
		price       string
		wantReplace bool
	}{
		{"weaker incumbent with small gain is replaced", 0.68, 0.80, "102", true},
		{"incumbent gain above limit is kept", 0.68, 0.80, "106", false},
		{"confidence gap too small", 0.68, 0.75, "102", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, 1)
			incumbent := h.seedIncumbent(t, tt.incumbent)
			h.signal(t, "NVDA", models.SignalTypeQuality, models.DirectionBullish, tt.challenger, "2026-03-02")
			h.market.SetPrice("NVDA", "100")
			h.market.SetPrice("AMD", tt.price)

			res, err := h.manager.OpenPositions(ctx, config.DefaultTradingConfig())
			require.NoError(t, err)

			got, err := h.positions.Get(ctx, incumbent.ID)
			require.NoError(t, err)
			open, err := h.positions.ListOpen(ctx, nil, models.PortfolioStockQuality)
			require.NoError(t, err)
			require.Len(t, open, 1)

			if !tt.wantReplace {
				assert.Equal(t, 1, res.Rejected)
				assert.Equal(t, models.StatusOpen, got.Status)
				assert.Equal(t, incumbent.ID, open[0].ID)
				assertDecimal(t, "95000", h.cash(t, models.PortfolioStockQuality))
				return
			}

			assert.Equal(t, 1, res.Replaced)
			assert.Equal(t, models.StatusClosed, got.Status)
			exits, err := h.positions.Exits(ctx, incumbent.ID)
			require.NoError(t, err)
			require.Len(t, exits, 1)
			assert.Equal(t, models.ExitReplaced, exits[0].Reason)
			assertDecimal(t, "100", got.RealizedPnL)
			assert.Equal(t, "NVDA", open[0].Ticker)
			// 95000 + 5100 proceeds - 10000 for 100 NVDA shares
			assertDecimal(t, "90100", h.cash(t, models.PortfolioStockQuality))
		})
	}
}

func TestOpenPositions_ReplacesWeakestOfFullPortfolio(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	confs := map[string]float64{
		"AAPL": 0.90, "MSFT": 0.88, "GOOG": 0.86, "AMZN": 0.84, "META": 0.82,
		"TSLA": 0.78, "NFLX": 0.75, "INTC": 0.72, "ORCL": 0.70, "AMD": 0.68,
	}
	var weakest *models.Position
	for ticker, conf := range confs {
		p := h.seedOpen(t, ticker, conf)
		h.market.SetPrice(ticker, "102")
		if ticker == "AMD" {
			weakest = p
		}
	}
	h.signal(t, "NVDA", models.SignalTypeQuality, models.DirectionBullish, 0.80, "2026-03-02")
	h.market.SetPrice("NVDA", "100")

	res, err := h.manager.OpenPositions(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)

	open, err := h.positions.ListOpen(ctx, nil, models.PortfolioStockQuality)
	require.NoError(t, err)
	require.Len(t, open, 10)
	tickers := make([]string, 0, len(open))
	for _, p := range open {
		tickers = append(tickers, p.Ticker)
	}
	assert.Contains(t, tickers, "NVDA")
	assert.NotContains(t, tickers, "AMD")

	got, err := h.positions.Get(ctx, weakest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	// 50000 left after ten seeded positions, + 5100 proceeds - 10000 for 100 NVDA shares
	assertDecimal(t, "45100", h.cash(t, models.PortfolioStockQuality))
}

func TestValuate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	h.signal(t, "NVDA", models.SignalTypeQuality, models.DirectionBullish, 0.9, "2026-03-02")
	h.market.SetPrice("NVDA", "100")
	h.chain("NVDA")
	_, err := h.manager.OpenPositions(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)

	h.market.SetPrice("NVDA", "110")
	res, err := h.manager.Valuate(ctx)
	require.NoError(t, err)

	assertDecimal(t, "101000", res.Values[models.PortfolioStockQuality])
	assertDecimal(t, "100000", res.Values[models.PortfolioOptionQuality])
	assertDecimal(t, "100000", res.Values[models.PortfolioStockConsensus])
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, models.PhaseValuation, res.Warnings[0].Phase)

	pf, err := h.portfolios.Get(ctx, nil, models.PortfolioStockQuality)
	require.NoError(t, err)
	assertDecimal(t, "101000", pf.CurrentValue)
}
