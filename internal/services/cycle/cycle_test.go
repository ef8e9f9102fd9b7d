package cycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/ingest"
	"github.com/irfndi/tickerpulse/internal/marketdata"
	"github.com/irfndi/tickerpulse/internal/marketdata/marketdatatest"
	"github.com/irfndi/tickerpulse/internal/markethours"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/services/distributedlock"
	"github.com/irfndi/tickerpulse/internal/services/exits"
	"github.com/irfndi/tickerpulse/internal/services/lifecycle"
	"github.com/irfndi/tickerpulse/internal/services/predictions"
	"github.com/irfndi/tickerpulse/internal/services/signals"
	"github.com/irfndi/tickerpulse/internal/services/trust"
	"github.com/irfndi/tickerpulse/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const optionSymbol = "NVDA260319C00110000"

type sourceFunc func(ctx context.Context) (ingest.Result, error)

func (f sourceFunc) Pull(ctx context.Context) (ingest.Result, error) { return f(ctx) }
func (f sourceFunc) Name() string                                    { return "test" }

type harness struct {
	db          *database.SQLiteDB
	cycles      *database.CycleRepository
	comments    *database.CommentRepository
	signals     *database.SignalRepository
	positions   *database.PositionRepository
	predictions *database.PredictionRepository
	authors     *database.AuthorTrustRepository
	market      *marketdatatest.Provider
	calendar    *markethours.Calendar
	lock        *distributedlock.LocalMutex
	now         time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cal, err := markethours.New(config.MarketHoursConfig{Timezone: "America/New_York", Open: "09:30", Close: "16:00"})
	require.NoError(t, err)
	db := testutil.NewSQLiteDB(t)
	loc := cal.Location()
	h := &harness{
		db:          db,
		cycles:      database.NewCycleRepository(db),
		comments:    database.NewCommentRepository(db),
		signals:     database.NewSignalRepository(db),
		positions:   database.NewPositionRepository(db, loc),
		predictions: database.NewPredictionRepository(db, loc),
		authors:     database.NewAuthorTrustRepository(db),
		market:      marketdatatest.New(),
		calendar:    cal,
		lock:        distributedlock.NewLocalMutex(),
		now:         time.Date(2026, 3, 2, 11, 0, 0, 0, loc),
	}
	portfolios := database.NewPortfolioRepository(db)
	require.NoError(t, portfolios.Seed(context.Background(), models.SeedPortfolios(decimal.NewFromInt(100000), 10, h.now)))

	h.market.SetPrice("NVDA", "100")
	h.market.SetPrice(optionSymbol, "2.10")
	expiry := time.Date(2026, 3, 19, 0, 0, 0, 0, time.UTC)
	h.market.SetChain(marketdata.Chain{Underlying: "NVDA", Contracts: []marketdata.OptionContract{
		{Underlying: "NVDA", Type: models.OptionCall, Strike: decimal.NewFromInt(110), Expiry: expiry,
			Bid: decimal.RequireFromString("2.00"), Ask: decimal.RequireFromString("2.20"), Delta: 0.30},
		{Underlying: "NVDA", Type: models.OptionPut, Strike: decimal.NewFromInt(90), Expiry: expiry,
			Bid: decimal.RequireFromString("2.00"), Ask: decimal.RequireFromString("2.20"), Delta: -0.30},
	}})
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) orchestrator(t *testing.T, source ingest.Source, timeout time.Duration) *Orchestrator {
	t.Helper()
	cal := h.calendar
	portfolios := database.NewPortfolioRepository(h.db)
	return NewOrchestrator(Deps{
		Cycles:     h.cycles,
		Comments:   h.comments,
		Trading:    config.StaticStore{Config: config.DefaultTradingConfig()},
		Source:     source,
		Lock:       h.lock,
		Aggregator: signals.NewAggregator(h.comments, h.signals, nil, nil),
		Emergence:  signals.NewEmergenceDetector(h.comments, h.signals, nil),
		Lifecycle: lifecycle.NewManager(lifecycle.Deps{
			DB: h.db, Signals: h.signals, Portfolios: portfolios, Positions: h.positions,
			Market: h.market, Calendar: cal, Now: h.clock,
		}),
		Predictions: predictions.NewCreator(h.predictions, h.market, cal, nil, nil, h.clock),
		Exits: exits.NewEngine(exits.Deps{
			Positions: h.positions, Predictions: h.predictions, Market: h.market, History: h.market,
			Calendar: cal, Now: h.clock,
		}),
		Trust:    trust.NewUpdater(h.db, h.authors, h.predictions, nil, h.clock),
		Calendar: cal,
		Now:      h.clock,
		Timeout:  timeout,
	})
}

func (h *harness) bullishComments(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.comments.Insert(context.Background(), models.AnnotatedComment{
			ID:           fmt.Sprintf("c%d", i),
			AuthorID:     fmt.Sprintf("author%d", i),
			CreatedAt:    h.now.Add(-time.Hour + time.Duration(i)*time.Minute),
			Confidence:   0.8,
			HasReasoning: true,
			Tickers:      []models.TickerSentiment{{Ticker: "NVDA", Sentiment: models.SentimentBullish}},
		}, h.now.Location())
		require.NoError(t, err)
	}
}

func TestRun_FullCycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bullishComments(t, 6)
	o := h.orchestrator(t, nil, time.Minute)

	run, err := o.Run(ctx, models.CycleFull, "test")
	require.NoError(t, err)
	assert.Equal(t, models.CycleCompleted, run.Status)
	assert.Equal(t, models.PhaseDone, run.Phase)
	assert.Empty(t, run.Warnings)
	assert.Equal(t, int64(6), run.Counters["comments_claimed"])
	assert.Equal(t, int64(2), run.Counters["signals"])
	assert.Equal(t, int64(4), run.Counters["positions_opened"])
	assert.Equal(t, int64(6), run.Counters["predictions_opened"])
	assert.Equal(t, int64(6), run.Counters["authors_updated"])

	stored, err := h.cycles.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleCompleted, stored.Status)
	assert.Nil(t, stored.Warnings)
	require.NotNil(t, stored.FinishedAt)

	sigs, err := h.signals.List(ctx, database.SignalFilter{Ticker: "NVDA"})
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	for _, s := range sigs {
		assert.True(t, s.PositionOpened, s.SignalType)
	}
	open, err := h.positions.ListOpen(ctx, nil, "")
	require.NoError(t, err)
	assert.Len(t, open, 4)

	author, err := h.authors.Get(ctx, "author0")
	require.NoError(t, err)
	assert.Equal(t, 1, author.TotalComments)

	second, err := o.Run(ctx, models.CycleFull, "test")
	require.NoError(t, err)
	assert.Zero(t, second.Counters["comments_claimed"])
	assert.Zero(t, second.Counters["positions_opened"])
	assert.Zero(t, second.Counters["predictions_opened"])
	open, err = h.positions.ListOpen(ctx, nil, "")
	require.NoError(t, err)
	assert.Len(t, open, 4)
}

func TestRun_MonitorLeavesCommentsQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bullishComments(t, 1)
	o := h.orchestrator(t, nil, time.Minute)

	run, err := o.Run(ctx, models.CycleMonitor, "schedule")
	require.NoError(t, err)
	assert.Equal(t, models.CycleCompleted, run.Status)
	_, claimed := run.Counters["comments_claimed"]
	assert.False(t, claimed)

	n, err := h.comments.Claim(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRun_RejectsConcurrentCycles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.orchestrator(t, nil, time.Minute)

	release, err := h.lock.TryAcquire(ctx)
	require.NoError(t, err)
	_, err = o.Run(ctx, models.CycleFull, "test")
	assert.ErrorIs(t, err, ErrCycleInProgress)
	release()

	require.NoError(t, h.cycles.Start(ctx, &models.CycleRun{ID: "other", Kind: models.CycleFull, Trigger: "elsewhere",
		Phase: models.PhaseStarting, StartedAt: h.now}))
	_, err = o.Run(ctx, models.CycleFull, "test")
	assert.ErrorIs(t, err, ErrCycleInProgress)

	held, err := o.Running(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRun_SourceFailureFailsCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	boom := errors.New("annotator down")
	o := h.orchestrator(t, sourceFunc(func(ctx context.Context) (ingest.Result, error) {
		return ingest.Result{}, boom
	}), time.Minute)

	run, err := o.Run(ctx, models.CycleFull, "test")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, models.CycleFailed, run.Status)
	assert.Equal(t, models.PhaseIngest, run.Phase)

	stored, err := h.cycles.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleFailed, stored.Status)
	assert.Contains(t, stored.Error, "annotator down")
}

func TestRun_DeadlineExceeded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bullishComments(t, 1)
	o := h.orchestrator(t, sourceFunc(func(ctx context.Context) (ingest.Result, error) {
		<-ctx.Done()
		return ingest.Result{}, ctx.Err()
	}), 50*time.Millisecond)

	run, err := o.Run(ctx, models.CycleFull, "test")
	require.Error(t, err)
	assert.Equal(t, "cycle deadline exceeded", run.Error)

	stored, err := h.cycles.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleFailed, stored.Status)
	assert.Equal(t, "cycle deadline exceeded", stored.Error)

	again, err := o.Run(ctx, models.CycleMonitor, "test")
	require.NoError(t, err)
	assert.Equal(t, models.CycleCompleted, again.Status)
}

func TestRecover_FailsStaleCyclesAndReleasesComments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bullishComments(t, 2)
	require.NoError(t, h.cycles.Start(ctx, &models.CycleRun{ID: "crashed", Kind: models.CycleFull, Trigger: "schedule",
		Phase: models.PhaseStarting, StartedAt: h.now}))
	_, err := h.comments.Claim(ctx, "crashed")
	require.NoError(t, err)
	o := h.orchestrator(t, nil, time.Minute)

	ids, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crashed"}, ids)

	stored, err := h.cycles.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, models.CycleFailed, stored.Status)
	assert.Equal(t, recoveredReason, stored.Error)

	run, err := o.Run(ctx, models.CycleFull, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.Counters["comments_claimed"])
}

func TestTrigger_RunsInBackground(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.orchestrator(t, nil, time.Minute)

	run, err := o.Trigger(models.CycleMonitor, "api")
	require.NoError(t, err)
	assert.Equal(t, models.CycleRunning, run.Status)
	o.Wait()

	stored, err := h.cycles.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CycleCompleted, stored.Status)
	assert.Equal(t, "api", stored.Trigger)

	_, err = o.Trigger("weekly", "api")
	assert.Error(t, err)
}

func TestClosePosition_GuardedByCycleLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.bullishComments(t, 6)
	o := h.orchestrator(t, nil, time.Minute)
	_, err := o.Run(ctx, models.CycleFull, "test")
	require.NoError(t, err)

	open, err := h.positions.ListOpen(ctx, nil, models.PortfolioStockQuality)
	require.NoError(t, err)
	require.Len(t, open, 1)
	id := open[0].ID

	release, err := h.lock.TryAcquire(ctx)
	require.NoError(t, err)
	_, err = o.ClosePosition(ctx, id, "taking profits", 1)
	assert.ErrorIs(t, err, ErrCycleInProgress)
	release()

	closed, err := o.ClosePosition(ctx, id, "taking profits", 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)
	require.Len(t, closed.Exits, 1)
	assert.Equal(t, models.ExitManual, closed.Exits[0].Reason)
	assert.Equal(t, "taking profits", closed.Exits[0].Note)
}

type recordedEvent struct {
	eventType string
	data      interface{}
}

type recorder struct {
	events []recordedEvent
}

func (r *recorder) Publish(eventType string, data interface{}) {
	r.events = append(r.events, recordedEvent{eventType, data})
}

func TestRun_PublishesProgress(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, nil, time.Minute)
	events := &recorder{}
	o.d.Events = events

	run, err := o.Run(context.Background(), models.CycleMonitor, "test")
	require.NoError(t, err)

	require.Len(t, events.events, 3)
	assert.Equal(t, EventPhase, events.events[0].eventType)
	assert.Equal(t, models.PhaseExits, events.events[0].data.(Progress).Phase)
	assert.Equal(t, models.PhaseValuation, events.events[1].data.(Progress).Phase)
	assert.Equal(t, EventFinished, events.events[2].eventType)
	assert.Equal(t, run.ID, events.events[2].data.(*models.CycleRun).ID)
}
