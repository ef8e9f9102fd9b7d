package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/ingest"
	"github.com/irfndi/tickerpulse/internal/metrics"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/services/cycle"
	"github.com/irfndi/tickerpulse/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockOrchestrator struct {
	mock.Mock
}

func (m *mockOrchestrator) Trigger(kind models.CycleKind, trigger string) (*models.CycleRun, error) {
	args := m.Called(kind, trigger)
	run, _ := args.Get(0).(*models.CycleRun)
	return run, args.Error(1)
}

func (m *mockOrchestrator) ClosePosition(ctx context.Context, id, reason string, fraction float64) (*models.Position, error) {
	args := m.Called(id, reason, fraction)
	p, _ := args.Get(0).(*models.Position)
	return p, args.Error(1)
}

type downChecker struct{}

func (downChecker) HealthCheck(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	router      *gin.Engine
	db          *database.SQLiteDB
	predictions *database.PredictionRepository
	positions   *database.PositionRepository
	orch        *mockOrchestrator
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewSQLiteDB(t)
	portfolios := database.NewPortfolioRepository(db)
	require.NoError(t, portfolios.Seed(context.Background(),
		models.SeedPortfolios(decimal.NewFromInt(100000), 10, time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))))

	f := &fixture{
		router:      gin.New(),
		db:          db,
		predictions: database.NewPredictionRepository(db, time.UTC),
		positions:   database.NewPositionRepository(db, time.UTC),
		orch:        &mockOrchestrator{},
	}
	_, client := testutil.NewRedis(t)
	SetupRoutes(f.router, Dependencies{
		DB:           db,
		Redis:        database.NewRedisClient(client, nil),
		Signals:      database.NewSignalRepository(db),
		Portfolios:   portfolios,
		Positions:    f.positions,
		Predictions:  f.predictions,
		Authors:      database.NewAuthorTrustRepository(db),
		Cycles:       database.NewCycleRepository(db),
		Orchestrator: f.orch,
		Inbox:        ingest.NewInbox(database.NewCommentRepository(db), time.UTC, nil),
		Metrics:      metrics.NewRegistry(),
		JWTSecret:    secret,
		Version:      "test",
	})
	return f
}

func (f *fixture) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
		Version  string            `json:"version"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Services["database"])
	assert.Equal(t, "healthy", resp.Services["redis"])
	assert.Equal(t, "test", resp.Version)
}

func TestHealth_DatabaseDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, Dependencies{DB: downChecker{}})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
	assert.Contains(t, w.Body.String(), "not configured")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPortfolios(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(http.MethodGet, "/api/v1/portfolios", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Portfolios []models.Portfolio `json:"portfolios"`
	}
	decode(t, w, &resp)
	assert.Len(t, resp.Portfolios, 4)

	w = f.do(http.MethodGet, "/api/v1/portfolios/"+models.PortfolioStockQuality, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/portfolios/nope", nil).Code)
}

func TestPortfolioPerformance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	entry := decimal.NewFromInt(100)
	sig := &models.Signal{Ticker: "NVDA", SignalType: models.SignalTypeQuality, SignalDate: "2026-03-02",
		Direction: models.DirectionBullish, Confidence: 0.8}
	require.NoError(t, database.NewSignalRepository(f.db).Upsert(ctx, sig))
	p := &models.Position{
		PortfolioID: models.PortfolioStockQuality, SignalID: sig.ID, Ticker: "NVDA",
		InstrumentType: models.InstrumentStock, Direction: models.DirectionBullish, Symbol: "NVDA",
		EntryPrice: entry, Quantity: 10, RemainingQuantity: 10, PositionSize: decimal.NewFromInt(1000),
		StopPrice: decimal.NewFromInt(90), TargetPrice: decimal.NewFromInt(120), PeakPrice: entry,
		Confidence: 0.8, Status: models.StatusOpen, OpenedAt: now, LastCheckedAt: now, LastPrice: entry,
	}
	require.NoError(t, f.positions.Open(ctx, f.db, p))
	exit := models.NewExit(p.ID, models.ExitManual, 10, decimal.NewFromInt(110), entry, models.InstrumentStock,
		now.Add(48*time.Hour), "")
	require.NoError(t, f.positions.ApplyExit(ctx, p, &exit))

	w := f.do(http.MethodGet, "/api/v1/portfolios/"+models.PortfolioStockQuality+"/performance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Performance models.Performance `json:"performance"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 1, resp.Performance.ClosedTrades)
	assert.Equal(t, 1, resp.Performance.WinningTrades)
	assert.Equal(t, "100", resp.Performance.TotalPnL.String())
	assert.Equal(t, "100", resp.Performance.WinRate.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/portfolios/nope/performance", nil).Code)
}

func TestSignals_Filters(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/signals?ticker=nvda&type=quality", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/signals?type=hype", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/signals/missing", nil).Code)
}

func TestTriggerCycle(t *testing.T) {
	f := newFixture(t, "")
	run := &models.CycleRun{ID: "cy-1", Kind: models.CycleFull, Status: models.CycleRunning, Trigger: "api"}
	f.orch.On("Trigger", models.CycleFull, "api").Return(run, nil).Once()
	f.orch.On("Trigger", models.CycleMonitor, "api").Return(nil, cycle.ErrCycleInProgress).Once()

	w := f.do(http.MethodPost, "/api/v1/cycles", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var got models.CycleRun
	decode(t, w, &got)
	assert.Equal(t, "cy-1", got.ID)

	w = f.do(http.MethodPost, "/api/v1/cycles", map[string]string{"kind": "monitor"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/v1/cycles", map[string]string{"kind": "weekly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.orch.AssertExpectations(t)
}

func TestCycleReads(t *testing.T) {
	f := newFixture(t, "")
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/cycles/latest", nil).Code)

	cycles := database.NewCycleRepository(f.db)
	run := &models.CycleRun{ID: "cy-1", Kind: models.CycleMonitor, Trigger: "schedule", Phase: models.PhaseStarting,
		StartedAt: time.Now().UTC()}
	require.NoError(t, cycles.Start(context.Background(), run))

	w := f.do(http.MethodGet, "/api/v1/cycles/latest?kind=monitor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.CycleRun
	decode(t, w, &got)
	assert.Equal(t, "cy-1", got.ID)
	assert.Equal(t, models.CycleRunning, got.Status)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/cycles/cy-1", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/cycles", nil).Code)
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t, "")
	closed := &models.Position{ID: "pos-1", Status: models.StatusClosed}
	f.orch.On("ClosePosition", "pos-1", "news", 1.0).Return(closed, nil).Once()
	f.orch.On("ClosePosition", "pos-1", "news", 0.5).Return(nil, cycle.ErrCycleInProgress).Once()
	f.orch.On("ClosePosition", "pos-2", "news", 1.0).Return(nil, database.ErrNotFound).Once()
	f.orch.On("ClosePosition", "pos-3", "news", 1.0).Return(nil, models.ErrPositionClosed).Once()

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/positions/pos-1/close", map[string]any{"reason": "news"}).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/positions/pos-1/close",
		map[string]any{"reason": "news", "fraction": 0.5}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/positions/pos-2/close", map[string]any{"reason": "news"}).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/positions/pos-3/close", map[string]any{"reason": "news"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/positions/pos-1/close",
		map[string]any{"reason": "news", "fraction": 1.5}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/positions/pos-1/close", map[string]any{}).Code)
	f.orch.AssertExpectations(t)
}

func TestPredictionOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	entry := decimal.RequireFromString("2")
	p := &models.Prediction{
		CommentID: "c1", AuthorID: "alice", Ticker: "NVDA", Direction: models.DirectionBullish, Symbol: "NVDA260319C00110000",
		OptionType: models.OptionCall, Strike: decimal.NewFromInt(110), EntryPrice: entry, Quantity: 1, RemainingQuantity: 1,
		PeakPrice: entry, Status: models.StatusOpen, OpenedAt: now, LastCheckedAt: now,
	}
	_, err := database.NewCommentRepository(f.db).Insert(ctx, models.AnnotatedComment{
		ID: "c1", AuthorID: "alice", CreatedAt: now.Add(-time.Hour), Confidence: 0.8,
		Tickers: []models.TickerSentiment{{Ticker: "NVDA", Sentiment: models.SentimentBullish}},
	}, time.UTC)
	require.NoError(t, err)
	_, err = f.predictions.Create(ctx, p)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/api/v1/predictions/"+p.ID+"/override", map[string]bool{"correct": false})
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Prediction
	decode(t, w, &got)
	require.NotNil(t, got.ManualOverride)
	assert.False(t, *got.ManualOverride)

	stored, err := f.predictions.Get(ctx, p.ID)
	require.NoError(t, err)
	exit := models.NewExit(p.ID, models.ExitManual, 1, decimal.RequireFromString("3"), entry, models.InstrumentOption, now, "")
	require.NoError(t, f.predictions.ApplyExit(ctx, stored, &exit))

	w = f.do(http.MethodPost, "/api/v1/predictions/"+p.ID+"/override", map[string]bool{"correct": true})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/predictions/missing/override", map[string]bool{"correct": true}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/predictions/"+p.ID+"/override", map[string]any{}).Code)

	w = f.do(http.MethodGet, "/api/v1/predictions/"+p.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Prediction models.Prediction `json:"prediction"`
		Exits      []models.Exit     `json:"exits"`
	}
	decode(t, w, &detail)
	require.NotNil(t, detail.Prediction.IsCorrect)
	assert.False(t, *detail.Prediction.IsCorrect)
	assert.Len(t, detail.Exits, 1)
}

func TestIngestComments(t *testing.T) {
	f := newFixture(t, "")
	body := map[string]any{"comments": []map[string]any{
		{"id": "c1", "author_id": "alice", "created_at": "2026-03-02T15:00:00Z", "confidence": 0.8,
			"has_reasoning": true, "tickers": []map[string]string{{"ticker": "$nvda", "sentiment": "bullish"}}},
		{"id": "c1", "author_id": "alice", "created_at": "2026-03-02T15:00:00Z", "confidence": 0.8,
			"tickers": []map[string]string{{"ticker": "NVDA", "sentiment": "bullish"}}},
		{"id": "", "author_id": "bob", "created_at": "2026-03-02T15:00:00Z"},
	}}

	w := f.do(http.MethodPost, "/api/v1/comments", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var res ingest.Result
	decode(t, w, &res)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Rejected)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/comments", map[string]any{}).Code)
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	secret := testutil.GenerateTestSecret()
	f := newFixture(t, secret)
	f.orch.On("Trigger", models.CycleFull, "api").Return(&models.CycleRun{ID: "cy-1"}, nil).Once()

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/v1/cycles", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/portfolios", nil).Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	w := f.do(http.MethodPost, "/api/v1/cycles", nil, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.orch.AssertExpectations(t)
}
