// Package distributedlock serializes cycles across processes with a Redis lease, or within one
// process when Redis is not configured.
package distributedlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld is returned by TryAcquire when another holder owns the lock.
var ErrLockHeld = errors.New("lock already held")

// Mutex is a non-blocking, single-holder lock. Release is safe to call more than once.
type Mutex interface {
	TryAcquire(ctx context.Context) (release func(), err error)
	Held(ctx context.Context) (bool, error)
}

// LockOptions configures the Redis lease.
type LockOptions struct {
	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
	// RenewalInterval is how often a live holder extends the lease. Zero disables renewal.
	RenewalInterval time.Duration
}

func DefaultLockOptions() LockOptions {
	return LockOptions{
		TTL:             15 * time.Minute,
		RenewalInterval: time.Minute,
	}
}

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const extendLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// RedisMutex is a SETNX lease keyed by a random token.
type RedisMutex struct {
	client *redis.Client
	key    string
	opts   LockOptions
	logger *zap.Logger
}

var _ Mutex = (*RedisMutex)(nil)

func NewRedisMutex(client *redis.Client, key string, opts LockOptions, logger *zap.Logger) *RedisMutex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultLockOptions().TTL
	}
	return &RedisMutex{client: client, key: key, opts: opts, logger: logger}
}

func (m *RedisMutex) TryAcquire(ctx context.Context) (func(), error) {
	if m.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	token := uuid.NewString()
	acquired, err := m.client.SetNX(ctx, m.key, token, m.opts.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	stop := make(chan struct{})
	if m.opts.RenewalInterval > 0 {
		go m.renew(token, stop)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := m.client.Eval(releaseCtx, releaseLockScript, []string{m.key}, token).Int64()
			if err != nil {
				m.logger.Warn("Failed to release lock", zap.String("key", m.key), zap.Error(err))
				return
			}
			if res == 0 {
				m.logger.Warn("Lock expired before release", zap.String("key", m.key))
			}
		})
	}, nil
}

func (m *RedisMutex) Held(ctx context.Context) (bool, error) {
	n, err := m.client.Exists(ctx, m.key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (m *RedisMutex) renew(token string, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			res, err := m.client.Eval(ctx, extendLockScript, []string{m.key}, token, m.opts.TTL.Milliseconds()).Int64()
			cancel()
			if err != nil {
				m.logger.Warn("Failed to extend lock", zap.String("key", m.key), zap.Error(err))
				continue
			}
			if res == 0 {
				m.logger.Warn("Lock lost while held", zap.String("key", m.key))
				return
			}
		}
	}
}

// LocalMutex is the in-process fallback.
type LocalMutex struct {
	mu   sync.Mutex
	held bool
}

var _ Mutex = (*LocalMutex)(nil)

func NewLocalMutex() *LocalMutex {
	return &LocalMutex{}
}

func (m *LocalMutex) TryAcquire(ctx context.Context) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return nil, ErrLockHeld
	}
	m.held = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.held = false
			m.mu.Unlock()
		})
	}, nil
}

func (m *LocalMutex) Held(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held, nil
}
