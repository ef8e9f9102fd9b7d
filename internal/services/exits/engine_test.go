package exits

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
	db          *database.SQLiteDB
	signals     *database.SignalRepository
	portfolios  *database.PortfolioRepository
	positions   *database.PositionRepository
	predictions *database.PredictionRepository
	comments    *database.CommentRepository
	market      *marketdatatest.Provider
	engine      *Engine
	now         time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cal, err := markethours.New(config.MarketHoursConfig{Timezone: "America/New_York", Open: "09:30", Close: "16:00"})
	require.NoError(t, err)
	db := testutil.NewSQLiteDB(t)
	h := &harness{
		db:          db,
		signals:     database.NewSignalRepository(db),
		portfolios:  database.NewPortfolioRepository(db),
		positions:   database.NewPositionRepository(db, cal.Location()),
		predictions: database.NewPredictionRepository(db, cal.Location()),
		comments:    database.NewCommentRepository(db),
		market:      marketdatatest.New(),
		now:         time.Date(2026, 3, 2, 11, 0, 0, 0, cal.Location()),
	}
	require.NoError(t, h.portfolios.Seed(context.Background(), models.SeedPortfolios(decimal.NewFromInt(100000), 10, h.now)))
	h.engine = NewEngine(Deps{
		Positions:   h.positions,
		Predictions: h.predictions,
		Market:      h.market,
		History:     h.market,
		Calendar:    cal,
		Now:         func() time.Time { return h.now },
	})
	return h
}

// openStock opens 10 NVDA shares at $100 in stock_quality, last checked at checked.
func (h *harness) openStock(t *testing.T, checked time.Time) *models.Position {
	t.Helper()
	ctx := context.Background()
	sig := &models.Signal{Ticker: "NVDA", SignalType: models.SignalTypeQuality, SignalDate: "2026-02-25",
		Direction: models.DirectionBullish, Confidence: 0.8}
	require.NoError(t, h.signals.Upsert(ctx, sig))
	p := &models.Position{
		PortfolioID: models.PortfolioStockQuality, SignalID: sig.ID, Ticker: "NVDA",
		InstrumentType: models.InstrumentStock, Direction: models.DirectionBullish, Symbol: "NVDA",
		EntryPrice: d("100"), Quantity: 10, RemainingQuantity: 10, PositionSize: d("1000"),
		StopPrice: d("90"), TargetPrice: d("115"), PeakPrice: d("100"), Confidence: 0.8,
		Status: models.StatusOpen, OpenedAt: checked, LastCheckedAt: checked, LastPrice: d("100"),
	}
	require.NoError(t, h.positions.Open(ctx, h.db, p))
	return p
}

func candle(at time.Time, o, hi, lo, c string) marketdata.Candle {
	return marketdata.Candle{Start: at, Open: d(o), High: d(hi), Low: d(lo), Close: d(c)}
}

func (h *harness) cash(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	pf, err := h.portfolios.Get(context.Background(), nil, id)
	require.NoError(t, err)
	return pf.CashAvailable
}

func TestEngine_StopLossClosesPositionAndCreditsCash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	checked := h.now.Add(-time.Hour)
	p := h.openStock(t, checked)
	h.market.SetCandles("NVDA",
		candle(checked.Add(5*time.Minute), "99", "100", "95", "96"),
		candle(checked.Add(10*time.Minute), "94", "95", "89", "91"),
	)

	res, err := h.engine.Run(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Fills)
	assert.Equal(t, 1, res.Closed)

	got, err := h.positions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Zero(t, got.RemainingQuantity)
	assert.True(t, d("-100").Equal(got.RealizedPnL))
	require.NotNil(t, got.RealizedReturnPct)
	assert.True(t, d("-0.1").Equal(*got.RealizedReturnPct))

	exits, err := h.positions.Exits(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, models.ExitStopLoss, exits[0].Reason)
	assert.True(t, d("90").Equal(exits[0].Price))
	assert.True(t, d("99900").Equal(h.cash(t, models.PortfolioStockQuality)))
}

func TestEngine_TakeProfitThenTrailingAcrossRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	checked := h.now.Add(-time.Hour)
	p := h.openStock(t, checked)
	h.market.SetCandles("NVDA", candle(checked.Add(5*time.Minute), "101", "115", "101", "114"))

	res, err := h.engine.Run(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fills)
	assert.Zero(t, res.Closed)

	got, err := h.positions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.RemainingQuantity)
	assert.True(t, got.TrailingStopActive)
	assert.True(t, got.PartialExitTaken)
	assert.True(t, d("115").Equal(got.PeakPrice))
	assert.Equal(t, h.now.UTC(), got.LastCheckedAt)

	h.now = h.now.Add(30 * time.Minute)
	h.market.SetCandles("NVDA", candle(h.now.Add(-10*time.Minute), "110", "110", "106", "107"))
	res, err = h.engine.Run(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)

	got, err = h.positions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	exits, err := h.positions.Exits(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, exits, 2)
	var sold int64
	for _, e := range exits {
		sold += e.Quantity
	}
	assert.Equal(t, got.Quantity, sold)
	assert.True(t, d("109.75").Equal(got.RealizedPnL))
}

func TestEngine_QuoteFallbackSavesState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.openStock(t, h.now.Add(-time.Hour))
	h.market.SetPrice("NVDA", "104")

	res, err := h.engine.Run(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Zero(t, res.Fills)

	got, err := h.positions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, d("104").Equal(got.LastPrice))
	assert.Equal(t, h.now.UTC(), got.LastCheckedAt)
}

func TestEngine_NoDataIsSkippedWithWarning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.openStock(t, h.now.Add(-time.Hour))
	h.market.Fail("NVDA", marketdata.ErrUnavailable)

	res, err := h.engine.Run(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, p.ID, res.Warnings[0].Subject)
	assert.Equal(t, models.PhaseExits, res.Warnings[0].Phase)
}

func TestEngine_GapUsesDailyBars(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	loc := h.now.Location()
	checked := time.Date(2026, 2, 25, 15, 0, 0, 0, loc)
	h.now = time.Date(2026, 2, 27, 11, 0, 0, 0, loc)
	p := h.openStock(t, checked)

	h.market.SetBars("NVDA", candle(time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC), "95", "96", "88", "89"))
	h.market.SetCandles("NVDA", candle(time.Date(2026, 2, 27, 10, 0, 0, 0, loc), "89", "92", "88", "91"))

	res, err := h.engine.Run(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.Equal(t, 1, h.market.Calls("bars", "NVDA"))

	exits, err := h.positions.Exits(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.True(t, d("90").Equal(exits[0].Price))
	assert.Equal(t, time.Date(2026, 2, 26, 16, 0, 0, 0, loc).UTC(), exits[0].ExitedAt)
}

func TestEngine_PredictionResolves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	checked := h.now.Add(-time.Hour)
	_, err := h.comments.Insert(ctx, models.AnnotatedComment{
		ID: "c1", AuthorID: "alice", CreatedAt: checked.Add(-time.Hour), Confidence: 0.8,
		Tickers: []models.TickerSentiment{{Ticker: "NVDA", Sentiment: models.SentimentBullish}},
	}, h.now.Location())
	require.NoError(t, err)

	expiry := time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC)
	symbol := "NVDA260319C00110000"
	pred := &models.Prediction{
		CommentID: "c1", AuthorID: "alice", Ticker: "NVDA", Direction: models.DirectionBullish,
		Symbol: symbol, OptionType: models.OptionCall, Strike: d("110"), Expiry: &expiry,
		EntryPrice: d("2.00"), Quantity: 1, RemainingQuantity: 1, StopPrice: d("1.00"), TargetPrice: d("4.00"),
		PeakPrice: d("2.00"), Status: models.StatusOpen, OpenedAt: checked, LastCheckedAt: checked,
	}
	created, err := h.predictions.Create(ctx, pred)
	require.NoError(t, err)
	require.True(t, created)

	h.market.SetCandles(symbol, candle(checked.Add(10*time.Minute), "2.50", "4.20", "2.40", "4.10"))
	res, err := h.engine.Run(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)

	got, err := h.predictions.Get(ctx, pred.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	require.NotNil(t, got.IsCorrect)
	assert.True(t, *got.IsCorrect)

	outcomes, err := h.predictions.ListUnappliedOutcomes(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "alice", outcomes[0].AuthorID)
	assert.True(t, d("100000").Equal(h.cash(t, models.PortfolioOptionQuality)), "predictions never touch portfolio cash")
}

func TestEngine_ClosePosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.openStock(t, h.now.Add(-time.Hour))
	h.market.SetPrice("NVDA", "105")

	got, err := h.engine.ClosePosition(ctx, p.ID, "taking profits", 0.5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.RemainingQuantity)
	assert.Equal(t, models.StatusOpen, got.Status)

	h.now = h.now.Add(time.Minute)
	got, err = h.engine.ClosePosition(ctx, p.ID, "done", 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.True(t, d("50").Equal(got.RealizedPnL))

	exits, err := h.positions.Exits(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, exits, 2)
	assert.Equal(t, models.ExitManual, exits[0].Reason)
	assert.Equal(t, "taking profits", exits[0].Note)

	_, err = h.engine.ClosePosition(ctx, p.ID, "again", 0)
	assert.ErrorIs(t, err, models.ErrPositionClosed)

	_, err = h.engine.ClosePosition(ctx, "missing", "x", 0)
	assert.ErrorIs(t, err, database.ErrNotFound)
}
