package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/irfndi/tickerpulse/internal/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Cache is the JSON cache used for quotes and chains. database.RedisClient satisfies it.
type Cache interface {
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	GetJSON(ctx context.Context, key string, dest interface{}) error
}

// ResilienceConfig tunes retries, pacing, the breaker and cache lifetimes.
type ResilienceConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
	QuoteTTL          time.Duration
	ChainTTL          time.Duration
}

// ResilienceConfigFrom maps process config onto ResilienceConfig.
func ResilienceConfigFrom(cfg config.MarketDataConfig) ResilienceConfig {
	return ResilienceConfig{
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         cfg.RetryBaseDelay,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		BreakerFailures:   cfg.BreakerFailures,
		BreakerTimeout:    cfg.BreakerTimeout,
		QuoteTTL:          cfg.QuoteCacheTTL,
		ChainTTL:          cfg.ChainCacheTTL,
	}
}

// Resilient decorates a Provider with retry, a circuit breaker, a token bucket,
// in-flight de-duplication and an optional cache.
type Resilient struct {
	provider Provider
	history  HistoricalProvider
	cfg      ResilienceConfig
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	group    singleflight.Group
	cache    Cache
	metrics  *metrics.Registry
	logger   *zap.Logger
}

var (
	_ Provider           = (*Resilient)(nil)
	_ HistoricalProvider = (*Resilient)(nil)
)

type ResilientOption func(*Resilient)

func WithCache(c Cache) ResilientOption {
	return func(r *Resilient) { r.cache = c }
}

func WithMetrics(m *metrics.Registry) ResilientOption {
	return func(r *Resilient) { r.metrics = m }
}

func WithLogger(l *zap.Logger) ResilientOption {
	return func(r *Resilient) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithHistory overrides the daily-bar source. By default the wrapped provider is used when it
// implements HistoricalProvider.
func WithHistory(h HistoricalProvider) ResilientOption {
	return func(r *Resilient) { r.history = h }
}

func NewResilient(p Provider, cfg ResilienceConfig, opts ...ResilientOption) *Resilient {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	r := &Resilient{
		provider: p,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   zap.NewNop(),
	}
	if h, ok := p.(HistoricalProvider); ok {
		r.history = h
	}
	for _, opt := range opts {
		opt(r)
	}

	failures := cfg.BreakerFailures
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "marketdata",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("Market data circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			r.metrics.Breaker(name, float64(to))
		},
	})
	return r
}

// BreakerState reports the current breaker state.
func (r *Resilient) BreakerState() gobreaker.State {
	return r.breaker.State()
}

func (r *Resilient) Quote(ctx context.Context, symbol string) (Quote, error) {
	key := "md:quote:" + symbol
	var cached Quote
	if r.fromCache(ctx, "quote", key, &cached) {
		return cached, nil
	}
	v, err := r.call(ctx, "quote", key, func(ctx context.Context) (interface{}, error) {
		return r.provider.Quote(ctx, symbol)
	})
	if err != nil {
		return Quote{}, err
	}
	q := v.(Quote)
	r.toCache(ctx, key, q, r.cfg.QuoteTTL)
	return q, nil
}

func (r *Resilient) IntradayCandles(ctx context.Context, symbol string, from, to time.Time) ([]Candle, error) {
	key := fmt.Sprintf("md:candles:%s:%d:%d", symbol, from.Unix(), to.Unix())
	v, err := r.call(ctx, "candles", key, func(ctx context.Context) (interface{}, error) {
		return r.provider.IntradayCandles(ctx, symbol, from, to)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Candle), nil
}

func (r *Resilient) OptionChain(ctx context.Context, underlying string) (Chain, error) {
	key := "md:chain:" + underlying
	var cached Chain
	if r.fromCache(ctx, "chain", key, &cached) {
		return cached, nil
	}
	v, err := r.call(ctx, "chain", key, func(ctx context.Context) (interface{}, error) {
		return r.provider.OptionChain(ctx, underlying)
	})
	if err != nil {
		return Chain{}, err
	}
	chain := v.(Chain)
	r.toCache(ctx, key, chain, r.cfg.ChainTTL)
	return chain, nil
}

func (r *Resilient) DailyBars(ctx context.Context, symbol, from, to string) ([]Candle, error) {
	if r.history == nil {
		return nil, fmt.Errorf("%w: no historical provider", ErrUnavailable)
	}
	key := fmt.Sprintf("md:bars:%s:%s:%s", symbol, from, to)
	v, err := r.call(ctx, "daily_bars", key, func(ctx context.Context) (interface{}, error) {
		return r.history.DailyBars(ctx, symbol, from, to)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Candle), nil
}

func (r *Resilient) call(ctx context.Context, op, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.retry(ctx, op, fn)
	})
	return v, err
}

// retry backs off exponentially between attempts and only retries ErrUnavailable.
func (r *Resilient) retry(ctx context.Context, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.cfg.BaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait for %s: %w", op, err)
		}

		v, err := r.breaker.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if err == nil {
			r.metrics.UpstreamCall(op, "success")
			return v, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.metrics.UpstreamCall(op, "breaker_open")
			return nil, fmt.Errorf("%w: circuit open for %s", ErrUnavailable, op)
		}
		if !errors.Is(err, ErrUnavailable) {
			r.metrics.UpstreamCall(op, "error")
			return nil, err
		}
		r.metrics.UpstreamCall(op, "retry")
		r.logger.Debug("Market data call failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		lastErr = err
	}
	return nil, lastErr
}

func (r *Resilient) fromCache(ctx context.Context, kind, key string, dest interface{}) bool {
	if r.cache == nil {
		return false
	}
	hit := r.cache.GetJSON(ctx, key, dest) == nil
	r.metrics.CacheLookup(kind, hit)
	return hit
}

func (r *Resilient) toCache(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if r.cache == nil || ttl <= 0 {
		return
	}
	if err := r.cache.SetJSON(ctx, key, value, ttl); err != nil {
		r.logger.Debug("Failed to cache market data", zap.String("key", key), zap.Error(err))
	}
}
