package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	pool := New(Config{Workers: 5, QueueSize: 50})
	require.NotNil(t, pool)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 50, cap(pool.taskQueue))
	assert.False(t, pool.IsRunning())

	pool = New(Config{Workers: 0, QueueSize: -1})
	assert.Equal(t, 1, pool.workers)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.CycleConfig{Workers: 3})
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, DefaultConfig().QueueSize, cfg.QueueSize)
}

func TestPool_StartStop(t *testing.T) {
	pool := New(Config{Workers: 2, QueueSize: 10})
	require.NoError(t, pool.Start())
	assert.True(t, pool.IsRunning())

	err := pool.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, pool.Stop())
	assert.False(t, pool.IsRunning())
	assert.ErrorIs(t, pool.Stop(), ErrNotRunning)
}

func TestPool_StopDrainsQueuedTasks(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 10})
	require.NoError(t, pool.Start())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{
			ID: fmt.Sprintf("t%d", i),
			Execute: func(ctx context.Context) error {
				time.Sleep(time.Millisecond)
				ran.Add(1)
				return nil
			},
		}))
	}
	require.NoError(t, pool.Stop())
	assert.Equal(t, int32(5), ran.Load())
}

func TestPool_SubmitNotRunning(t *testing.T) {
	pool := New(DefaultConfig())
	err := pool.Submit(context.Background(), Task{ID: "x", Execute: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestPool_QueueDepth(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 4})
	require.NoError(t, pool.Start())
	defer func() { _ = pool.Stop() }()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), Task{ID: "busy", Execute: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{ID: fmt.Sprintf("q%d", i), Execute: func(context.Context) error { return nil }}))
	}
	assert.Equal(t, 2, pool.QueueDepth())

	close(block)
	assert.Eventually(t, func() bool { return pool.QueueDepth() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFetchAll_DeduplicatesKeys(t *testing.T) {
	pool := New(Config{Workers: 3, QueueSize: 2})
	require.NoError(t, pool.Start())
	defer func() { _ = pool.Stop() }()

	var calls atomic.Int32
	got := FetchAll(context.Background(), pool, []string{"NVDA", "AMD", "NVDA", "TSLA"}, func(ctx context.Context, k string) (int, error) {
		calls.Add(1)
		if k == "TSLA" {
			return 0, errors.New("no quote")
		}
		return len(k), nil
	})

	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, got, 3)
	assert.Equal(t, 4, got["NVDA"].Value)
	assert.NoError(t, got["AMD"].Err)
	assert.Error(t, got["TSLA"].Err)
}

func TestFetchAll_InlineWithoutPool(t *testing.T) {
	got := FetchAll(context.Background(), nil, []int{1, 2}, func(ctx context.Context, k int) (int, error) {
		return k * 10, nil
	})
	assert.Equal(t, 20, got[2].Value)
}

func TestFetchAll_CancelledContext(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 4})
	require.NoError(t, pool.Start())
	defer func() { _ = pool.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := FetchAll(ctx, pool, []string{"A", "B"}, func(ctx context.Context, k string) (string, error) {
		return k, nil
	})
	assert.ErrorIs(t, got["A"].Err, context.Canceled)
	assert.ErrorIs(t, got["B"].Err, context.Canceled)
}
