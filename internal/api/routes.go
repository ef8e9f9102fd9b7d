package api

import (
	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/api/handlers"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/irfndi/tickerpulse/internal/metrics"
	"github.com/irfndi/tickerpulse/internal/middleware"
	"go.uber.org/zap"
)

// Orchestrator is the part of the cycle runner the API drives.
type Orchestrator interface {
	handlers.CycleTrigger
	handlers.PositionCloser
}

// Dependencies carries everything the routes are built from. Redis, RateLimiter and
// Metrics may be nil.
type Dependencies struct {
	DB           handlers.HealthChecker
	Redis        *database.RedisClient
	Signals      *database.SignalRepository
	Portfolios   *database.PortfolioRepository
	Positions    *database.PositionRepository
	Predictions  *database.PredictionRepository
	Authors      *database.AuthorTrustRepository
	Cycles       *database.CycleRepository
	Orchestrator Orchestrator
	Inbox        handlers.CommentAcceptor
	Metrics      *metrics.Registry
	Stream       *handlers.StreamHub
	RateLimiter  *middleware.RateLimiter
	JWTSecret    string
	MaxBatch     int
	Version      string
	Logger       *zap.Logger
}

// SetupRoutes registers health, metrics and the /api/v1 surface. Mutating routes
// require a bearer token when a JWT secret is configured.
func SetupRoutes(router *gin.Engine, d Dependencies) {
	var redis handlers.HealthChecker
	if d.Redis != nil {
		redis = d.Redis
	}
	health := handlers.NewHealthHandler(d.DB, redis, d.Version)

	probes := router.Group("/")
	probes.Use(middleware.HealthCheckTelemetry())
	{
		probes.GET("/health", gin.WrapF(health.HealthCheck))
		probes.HEAD("/health", gin.WrapF(health.HealthCheck))
		probes.GET("/live", gin.WrapF(health.LivenessCheck))
	}
	router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	mutating := []gin.HandlerFunc{middleware.RequireBearer(d.JWTSecret)}
	if d.RateLimiter != nil {
		mutating = append(mutating, d.RateLimiter.Middleware())
	}
	guard := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, mutating...), h)
	}

	signals := handlers.NewSignalHandler(d.Signals, d.Logger)
	portfolios := handlers.NewPortfolioHandler(d.Portfolios, d.Positions, d.Logger)
	positions := handlers.NewPositionHandler(d.Positions, d.Orchestrator, d.Logger)
	predictions := handlers.NewPredictionHandler(d.Predictions, d.Logger)
	authors := handlers.NewAuthorHandler(d.Authors, d.Logger)
	cycles := handlers.NewCycleHandler(d.Cycles, d.Orchestrator, d.Logger)
	comments := handlers.NewCommentHandler(d.Inbox, d.MaxBatch, d.Logger)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/signals", signals.List)
		v1.GET("/signals/:id", signals.Get)

		v1.GET("/portfolios", portfolios.List)
		v1.GET("/portfolios/:id", portfolios.Get)
		v1.GET("/portfolios/:id/performance", portfolios.Performance)

		v1.GET("/positions", positions.List)
		v1.GET("/positions/:id", positions.Get)
		v1.GET("/positions/:id/exits", positions.Exits)
		v1.POST("/positions/:id/close", guard(positions.Close)...)

		v1.GET("/predictions", predictions.List)
		v1.GET("/predictions/:id", predictions.Get)
		v1.POST("/predictions/:id/override", guard(predictions.Override)...)

		v1.GET("/authors", authors.List)
		v1.GET("/authors/:id", authors.Get)

		v1.GET("/cycles", cycles.List)
		v1.GET("/cycles/latest", cycles.Latest)
		v1.GET("/cycles/:id", cycles.Get)
		v1.POST("/cycles", guard(cycles.Trigger)...)

		v1.POST("/comments", guard(comments.Ingest)...)

		if d.Stream != nil {
			v1.GET("/stream", d.Stream.Handle)
		}
	}
}
