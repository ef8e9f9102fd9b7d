package marketdata

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyProvider struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakyProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return Quote{}, f.err
	}
	return Quote{Symbol: symbol, Price: decimal.NewFromInt(100)}, nil
}

func (f *flakyProvider) IntradayCandles(ctx context.Context, symbol string, from, to time.Time) ([]Candle, error) {
	return nil, nil
}

func (f *flakyProvider) OptionChain(ctx context.Context, underlying string) (Chain, error) {
	f.calls.Add(1)
	return Chain{Underlying: underlying}, nil
}

func fastConfig() ResilienceConfig {
	return ResilienceConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, BreakerFailures: 5, BreakerTimeout: time.Minute, QuoteTTL: time.Minute, ChainTTL: time.Minute}
}

func TestResilient_RetriesTransientErrors(t *testing.T) {
	p := &flakyProvider{failures: 2, err: fmt.Errorf("%w: 503", ErrUnavailable)}
	r := NewResilient(p, fastConfig())

	q, err := r.Quote(context.Background(), "NVDA")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(q.Price))
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestResilient_GivesUpAfterMaxAttempts(t *testing.T) {
	p := &flakyProvider{failures: 10, err: fmt.Errorf("%w: 503", ErrUnavailable)}
	r := NewResilient(p, fastConfig())

	_, err := r.Quote(context.Background(), "NVDA")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestResilient_DoesNotRetryPermanentErrors(t *testing.T) {
	p := &flakyProvider{failures: 10, err: ErrNotFound}
	r := NewResilient(p, fastConfig())

	_, err := r.Quote(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, gobreaker.StateClosed, r.BreakerState())
}

func TestResilient_BreakerOpensOnConsecutiveFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerFailures = 2
	p := &flakyProvider{failures: 100, err: fmt.Errorf("%w: timeout", ErrUnavailable)}
	r := NewResilient(p, cfg)

	for i := 0; i < 2; i++ {
		_, err := r.Quote(context.Background(), fmt.Sprintf("S%d", i))
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, r.BreakerState())

	_, err := r.Quote(context.Background(), "S3")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), p.calls.Load(), "open breaker short-circuits upstream calls")
}

func TestResilient_CachesQuotesAndChains(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := database.NewRedisClient(client, nil)
	defer cache.Close()

	p := &flakyProvider{}
	r := NewResilient(p, fastConfig(), WithCache(cache))

	for i := 0; i < 3; i++ {
		_, err := r.Quote(context.Background(), "NVDA")
		require.NoError(t, err)
		_, err = r.OptionChain(context.Background(), "NVDA")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), p.calls.Load())
	assert.True(t, mr.Exists("md:quote:NVDA"))
}

func TestResilient_DailyBarsWithoutHistory(t *testing.T) {
	r := NewResilient(&flakyProvider{}, fastConfig())
	_, err := r.DailyBars(context.Background(), "NVDA", "2026-03-01", "2026-03-02")
	assert.ErrorIs(t, err, ErrUnavailable)
}
