package distributedlock

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisMutex(t *testing.T, opts LockOptions) (*RedisMutex, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMutex(client, "tickerpulse:cycle", opts, nil), s
}

func TestRedisMutex_TryAcquire(t *testing.T) {
	m, s := newRedisMutex(t, LockOptions{TTL: time.Minute})
	ctx := t.Context()

	release, err := m.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, s.Exists("tickerpulse:cycle"))

	_, err = m.TryAcquire(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)

	held, err := m.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	release()
	release()
	assert.False(t, s.Exists("tickerpulse:cycle"))

	release, err = m.TryAcquire(ctx)
	require.NoError(t, err)
	release()
}

func TestRedisMutex_ExpiredLeaseCanBeTaken(t *testing.T) {
	m, s := newRedisMutex(t, LockOptions{TTL: time.Second})
	ctx := t.Context()

	stale, err := m.TryAcquire(ctx)
	require.NoError(t, err)

	s.FastForward(2 * time.Second)

	release, err := m.TryAcquire(ctx)
	require.NoError(t, err)

	stale()
	assert.True(t, s.Exists("tickerpulse:cycle"), "a stale holder must not release the new lease")
	release()
}

func TestRedisMutex_Renewal(t *testing.T) {
	m, s := newRedisMutex(t, LockOptions{TTL: 2 * time.Second, RenewalInterval: 20 * time.Millisecond})

	release, err := m.TryAcquire(t.Context())
	require.NoError(t, err)
	defer release()

	s.SetTTL("tickerpulse:cycle", 100*time.Millisecond)
	assert.Eventually(t, func() bool {
		return s.TTL("tickerpulse:cycle") > time.Second
	}, time.Second, 10*time.Millisecond)
}

func TestRedisMutex_NilClient(t *testing.T) {
	m := NewRedisMutex(nil, "k", DefaultLockOptions(), nil)
	_, err := m.TryAcquire(t.Context())
	assert.Error(t, err)
}

func TestLocalMutex(t *testing.T) {
	m := NewLocalMutex()
	ctx := t.Context()

	release, err := m.TryAcquire(ctx)
	require.NoError(t, err)

	_, err = m.TryAcquire(ctx)
	assert.ErrorIs(t, err, ErrLockHeld)

	release()
	held, _ := m.Held(ctx)
	assert.False(t, held)

	release2, err := m.TryAcquire(ctx)
	require.NoError(t, err)
	release()
	held, _ = m.Held(ctx)
	assert.True(t, held, "a stale release func must not free a later acquisition")
	release2()
}
