package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/api"
	"github.com/irfndi/tickerpulse/internal/api/handlers"
	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/ingest"
	"github.com/irfndi/tickerpulse/internal/logging"
	"github.com/irfndi/tickerpulse/internal/marketdata"
	"github.com/irfndi/tickerpulse/internal/markethours"
	"github.com/irfndi/tickerpulse/internal/metrics"
	"github.com/irfndi/tickerpulse/internal/middleware"
	"github.com/irfndi/tickerpulse/internal/models"
	"github.com/irfndi/tickerpulse/internal/services/cycle"
	"github.com/irfndi/tickerpulse/internal/services/distributedlock"
	"github.com/irfndi/tickerpulse/internal/services/exits"
	"github.com/irfndi/tickerpulse/internal/services/lifecycle"
	"github.com/irfndi/tickerpulse/internal/services/predictions"
	"github.com/irfndi/tickerpulse/internal/services/signals"
	"github.com/irfndi/tickerpulse/internal/services/trust"
	"github.com/irfndi/tickerpulse/internal/services/workerpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const cycleLockKey = "tickerpulse:cycle"

type repositories struct {
	comments    *database.CommentRepository
	signals     *database.SignalRepository
	portfolios  *database.PortfolioRepository
	positions   *database.PositionRepository
	predictions *database.PredictionRepository
	authors     *database.AuthorTrustRepository
	cycles      *database.CycleRepository
	trading     *database.TradingConfigRepository
}

// app holds every long-lived component of the process.
type app struct {
	cfg      *config.Config
	logger   *logging.StandardLogger
	db       database.Database
	redis    *database.RedisClient
	calendar *markethours.Calendar
	metrics  *metrics.Registry
	workers  *workerpool.Pool
	market   *marketdata.Client
	inbox    *ingest.Inbox
	stream   *handlers.StreamHub
	repos    repositories
	orch     *cycle.Orchestrator
}

// openStore connects the database, applies the schema and seeds the portfolios.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (database.Database, error) {
	db, err := database.NewDatabaseConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	portfolios := models.SeedPortfolios(
		decimal.NewFromFloat(cfg.Trading.Positions.StartingCapital),
		cfg.Trading.Positions.MaxPositions,
		time.Now().UTC(),
	)
	if err := database.NewPortfolioRepository(db).Seed(ctx, portfolios); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to seed portfolios: %w", err)
	}
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.StandardLogger) (*app, error) {
	zl := logger.Logger()

	db, err := openStore(ctx, cfg, zl)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db, metrics: metrics.NewRegistry()}

	if cfg.Redis.Enabled {
		redisClient, err := database.NewRedisConnection(ctx, cfg.Redis, zl)
		if err != nil {
			// Redis only backs caching, rate limits and the shared lock; run without it.
			logger.WithError(err).Warn("Redis unavailable, continuing without cache and shared lock")
		} else {
			a.redis = redisClient
		}
	}

	a.calendar, err = markethours.New(cfg.MarketHours)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load market calendar: %w", err)
	}
	loc := a.calendar.Location()

	a.workers = workerpool.New(workerpool.ConfigFrom(cfg.Cycle))
	if err := a.workers.Start(); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	a.metrics.WatchQueue("marketdata", a.workers.QueueDepth)

	a.market = marketdata.NewClient(
		marketdata.WithBaseURL(cfg.MarketData.BaseURL),
		marketdata.WithTimeout(cfg.MarketData.Timeout),
		marketdata.WithAPIKey(cfg.MarketData.APIKey),
	)
	opts := []marketdata.ResilientOption{
		marketdata.WithMetrics(a.metrics),
		marketdata.WithLogger(zl.With(zap.String("component", "marketdata"))),
		marketdata.WithHistory(a.market),
	}
	if a.redis != nil {
		opts = append(opts, marketdata.WithCache(a.redis))
	}
	market := marketdata.NewResilient(a.market, marketdata.ResilienceConfigFrom(cfg.MarketData), opts...)

	a.repos = repositories{
		comments:    database.NewCommentRepository(db),
		signals:     database.NewSignalRepository(db),
		portfolios:  database.NewPortfolioRepository(db),
		positions:   database.NewPositionRepository(db, loc),
		predictions: database.NewPredictionRepository(db, loc),
		authors:     database.NewAuthorTrustRepository(db),
		cycles:      database.NewCycleRepository(db),
		trading:     database.NewTradingConfigRepository(db),
	}
	r := a.repos

	a.inbox = ingest.NewInbox(r.comments, loc, zl.With(zap.String("component", "ingest")))
	var source ingest.Source = a.inbox
	if cfg.Comments.Source == "http" {
		source = ingest.NewHTTPSource(cfg.Comments.URL, cfg.Comments.Timeout, cfg.Comments.BatchSize,
			a.inbox, r.comments, zl.With(zap.String("component", "annotator")))
	}

	var trading config.TradingConfigStore = config.NewOverrideStore(cfg.Trading, r.trading)
	if cfg.TradingSource == "file" {
		trading = config.NewFileStore(cfg.TradingFile, cfg.Trading)
	}

	var redisClient *redis.Client
	if a.redis != nil {
		redisClient = a.redis.Client
	}
	a.stream, err = handlers.NewStreamHub(redisClient, zl.With(zap.String("component", "stream")))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to start event stream: %w", err)
	}

	var lock distributedlock.Mutex = distributedlock.NewLocalMutex()
	if a.redis != nil {
		lock = distributedlock.NewRedisMutex(a.redis.Client, cycleLockKey, distributedlock.LockOptions{
			TTL:             cfg.Cycle.LockTTL,
			RenewalInterval: time.Minute,
		}, zl.With(zap.String("component", "lock")))
	}

	component := func(name string) *zap.Logger { return zl.With(zap.String("component", name)) }
	a.orch = cycle.NewOrchestrator(cycle.Deps{
		Cycles:     r.cycles,
		Comments:   r.comments,
		Trading:    trading,
		Source:     source,
		Lock:       lock,
		Aggregator: signals.NewAggregator(r.comments, r.signals, a.metrics, component("signals")),
		Emergence:  signals.NewEmergenceDetector(r.comments, r.signals, component("emergence")),
		Lifecycle: lifecycle.NewManager(lifecycle.Deps{
			DB:         db,
			Signals:    r.signals,
			Portfolios: r.portfolios,
			Positions:  r.positions,
			Market:     market,
			Calendar:   a.calendar,
			Workers:    a.workers,
			Metrics:    a.metrics,
			Logger:     component("lifecycle"),
		}),
		Predictions: predictions.NewCreator(r.predictions, market, a.calendar, a.workers, component("predictions"), nil),
		Exits: exits.NewEngine(exits.Deps{
			Positions:   r.positions,
			Predictions: r.predictions,
			Market:      market,
			History:     market,
			Calendar:    a.calendar,
			Workers:     a.workers,
			Metrics:     a.metrics,
			Logger:      component("exits"),
		}),
		Trust:    trust.NewUpdater(db, r.authors, r.predictions, component("trust"), nil),
		Calendar: a.calendar,
		Metrics:  a.metrics,
		Events:   a.stream,
		Logger:   component("cycle"),
		Timeout:  cfg.Cycle.Timeout,
	})
	return a, nil
}

// router builds the gin engine serving the API.
func (a *app) router() *gin.Engine {
	if a.cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Telemetry())
	router.Use(middleware.CORS(a.cfg.Server.AllowedOrigins))

	var limiter *middleware.RateLimiter
	if a.cfg.Server.RateLimit > 0 {
		var client *redis.Client
		if a.redis != nil {
			client = a.redis.Client
		}
		limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			Requests: a.cfg.Server.RateLimit,
			Window:   a.cfg.Server.RateLimitWindow,
		}, client, a.logger.WithComponent("ratelimit").Logger())
	}

	api.SetupRoutes(router, api.Dependencies{
		DB:           a.db,
		Redis:        a.redis,
		Signals:      a.repos.signals,
		Portfolios:   a.repos.portfolios,
		Positions:    a.repos.positions,
		Predictions:  a.repos.predictions,
		Authors:      a.repos.authors,
		Cycles:       a.repos.cycles,
		Orchestrator: a.orch,
		Inbox:        a.inbox,
		Metrics:      a.metrics,
		Stream:       a.stream,
		RateLimiter:  limiter,
		JWTSecret:    a.cfg.Auth.JWTSecret,
		MaxBatch:     a.cfg.Comments.BatchSize,
		Version:      a.cfg.App.Version,
		Logger:       a.logger.WithComponent("api").Logger(),
	})
	return router
}

func (a *app) server() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.router(),
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.orch != nil {
		a.orch.Wait()
	}
	if a.stream != nil {
		a.stream.Stop()
	}
	if a.workers != nil {
		if err := a.workers.Stop(); err != nil && !errors.Is(err, workerpool.ErrNotRunning) {
			a.logger.WithError(err).Warn("Failed to stop worker pool")
		}
	}
	if a.market != nil {
		a.market.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to close database connection")
		}
	}
}
