package predictions

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

type fixture struct {
	comments    *database.CommentRepository
	predictions *database.PredictionRepository
	market      *marketdatatest.Provider
	creator     *Creator
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cal, err := markethours.New(config.MarketHoursConfig{Timezone: "America/New_York", Open: "09:30", Close: "16:00"})
	require.NoError(t, err)
	db := testutil.NewSQLiteDB(t)
	f := &fixture{
		comments:    database.NewCommentRepository(db),
		predictions: database.NewPredictionRepository(db, cal.Location()),
		market:      marketdatatest.New(),
		now:         time.Date(2026, 3, 2, 10, 0, 0, 0, cal.Location()),
	}
	f.creator = NewCreator(f.predictions, f.market, cal, nil, nil, func() time.Time { return f.now })
	return f
}

func (f *fixture) comment(t *testing.T, id, author string, tickers ...models.TickerSentiment) {
	t.Helper()
	_, err := f.comments.Insert(context.Background(), models.AnnotatedComment{
		ID: id, AuthorID: author, CreatedAt: f.now.Add(-time.Hour), Confidence: 0.8, HasReasoning: true, Tickers: tickers,
	}, f.now.Location())
	require.NoError(t, err)
}

func (f *fixture) chain(underlying string) {
	expiry := time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC)
	contract := func(typ models.OptionType, strike string, delta float64) marketdata.OptionContract {
		return marketdata.OptionContract{
			Underlying: underlying, Type: typ, Strike: decimal.RequireFromString(strike), Expiry: expiry,
			Bid: decimal.RequireFromString("2.00"), Ask: decimal.RequireFromString("2.20"), Delta: delta,
		}
	}
	f.market.SetChain(marketdata.Chain{Underlying: underlying, Contracts: []marketdata.OptionContract{
		contract(models.OptionCall, "110", 0.30),
		contract(models.OptionPut, "90", -0.30),
	}})
}

func TestCreate_OnePerDirectionalMention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chain("NVDA")
	f.chain("AMD")
	f.comment(t, "c1", "alice",
		models.TickerSentiment{Ticker: "NVDA", Sentiment: models.SentimentBullish},
		models.TickerSentiment{Ticker: "AMD", Sentiment: models.SentimentBearish},
		models.TickerSentiment{Ticker: "INTC", Sentiment: models.SentimentNeutral})
	_, err := f.comments.Claim(ctx, "cycle-1")
	require.NoError(t, err)

	res, err := f.creator.Create(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 2, res.Created)
	assert.Empty(t, res.Warnings)

	open, err := f.predictions.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	byTicker := map[string]*models.Prediction{}
	for _, p := range open {
		byTicker[p.Ticker] = p
	}
	nvda := byTicker["NVDA"]
	require.NotNil(t, nvda)
	assert.Equal(t, "alice", nvda.AuthorID)
	assert.Equal(t, models.OptionCall, nvda.OptionType)
	assert.Equal(t, int64(1), nvda.Quantity)
	assert.True(t, decimal.RequireFromString("2.10").Equal(nvda.EntryPrice))
	assert.Equal(t, models.OptionPut, byTicker["AMD"].OptionType)

	again, err := f.creator.Create(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Zero(t, again.Candidates)
	assert.Zero(t, again.Created)
}

func TestCreate_IgnoresUnclaimedComments(t *testing.T) {
	f := newFixture(t)
	f.chain("NVDA")
	f.comment(t, "c1", "alice", models.TickerSentiment{Ticker: "NVDA", Sentiment: models.SentimentBullish})

	res, err := f.creator.Create(context.Background(), config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
}

func TestCreate_MissingChainDefers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.comment(t, "c1", "alice", models.TickerSentiment{Ticker: "NVDA", Sentiment: models.SentimentBullish})
	_, err := f.comments.Claim(ctx, "cycle-1")
	require.NoError(t, err)

	res, err := f.creator.Create(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "c1:NVDA", res.Warnings[0].Subject)

	f.chain("NVDA")
	res, err = f.creator.Create(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
}

func TestCreate_DisabledOrClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chain("NVDA")
	f.comment(t, "c1", "alice", models.TickerSentiment{Ticker: "NVDA", Sentiment: models.SentimentBullish})
	_, err := f.comments.Claim(ctx, "cycle-1")
	require.NoError(t, err)

	cfg := config.DefaultTradingConfig()
	cfg.Predictions.Enabled = false
	res, err := f.creator.Create(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, res.Created)

	f.now = time.Date(2026, 3, 2, 18, 0, 0, 0, f.now.Location())
	res, err = f.creator.Create(ctx, config.DefaultTradingConfig())
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, models.PhasePredictions, res.Warnings[0].Phase)
}
