package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/tickerpulse/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// RedisClient wraps a Redis client used for the cycle lock and the market-data cache.
type RedisClient struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedisConnection dials and pings Redis.
func NewRedisConnection(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis", zap.String("addr", cfg.Addr()))
	return &RedisClient{Client: rdb, logger: logger}, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client, logger *zap.Logger) *RedisClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisClient{Client: client, logger: logger}
}

func (r *RedisClient) Close() {
	if r.Client == nil {
		return
	}
	if err := r.Client.Close(); err != nil {
		r.logger.Error("Error closing Redis client", zap.Error(err))
		return
	}
	r.logger.Info("Redis connection closed")
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.Client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return val, err
}

func (r *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.Client.Del(ctx, keys...).Err()
}

// SetJSON stores value encoded as JSON.
func (r *RedisClient) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return r.Set(ctx, key, raw, expiration)
}

// GetJSON decodes a JSON value into dest, returning ErrCacheMiss when absent.
func (r *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) error {
	raw, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("failed to decode cache value: %w", err)
	}
	return nil
}
