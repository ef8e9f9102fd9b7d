package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	RateLimitHeader          = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"
)

// RateLimitConfig is a fixed-window limit per key.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// KeyFunc picks the bucket for a request; the client IP by default.
	KeyFunc func(*gin.Context) string
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests: 60,
		Window:   time.Minute,
		KeyFunc:  func(c *gin.Context) string { return c.ClientIP() },
	}
}

// RateLimiter counts requests in Redis when a client is given, in memory otherwise.
type RateLimiter struct {
	config RateLimitConfig
	redis  *redis.Client
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(config RateLimitConfig, redisClient *redis.Client, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeyFunc == nil {
		config.KeyFunc = DefaultRateLimitConfig().KeyFunc
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{config: config, redis: redisClient, logger: logger, local: make(map[string]*window)}
}

// Middleware rejects requests over the limit with 429. Counter failures let the request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.config.KeyFunc(c)
		allowed, remaining, resetAt, err := rl.take(c.Request.Context(), key)
		if err != nil {
			rl.logger.Error("Rate limit check failed", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		c.Header(RateLimitHeader, strconv.Itoa(rl.config.Requests))
		c.Header(RateLimitRemainingHeader, strconv.Itoa(remaining))
		c.Header(RateLimitResetHeader, strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": int64(time.Until(resetAt).Seconds()),
			})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) take(ctx context.Context, key string) (bool, int, time.Time, error) {
	if rl.redis != nil {
		return rl.takeRedis(ctx, key)
	}
	allowed, remaining, resetAt := rl.takeLocal(key)
	return allowed, remaining, resetAt, nil
}

const rateLimitScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return {0, 0, redis.call("TTL", KEYS[1])}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return {1, tonumber(ARGV[1]) - current, redis.call("TTL", KEYS[1])}
`

func (rl *RateLimiter) takeRedis(ctx context.Context, key string) (bool, int, time.Time, error) {
	res, err := rl.redis.Eval(ctx, rateLimitScript, []string{"ratelimit:" + key},
		rl.config.Requests, int(rl.config.Window.Seconds())).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, err
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	return res[0] == 1, int(res[1]), time.Now().Add(time.Duration(res[2]) * time.Second), nil
}

func (rl *RateLimiter) takeLocal(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.local[key]
	if !ok || now.After(w.resetAt) {
		if len(rl.local) > 1000 {
			for k, old := range rl.local {
				if now.After(old.resetAt) {
					delete(rl.local, k)
				}
			}
		}
		w = &window{count: 1, resetAt: now.Add(rl.config.Window)}
		rl.local[key] = w
		return true, rl.config.Requests - 1, w.resetAt
	}
	if w.count >= rl.config.Requests {
		return false, 0, w.resetAt
	}
	w.count++
	return true, rl.config.Requests - w.count, w.resetAt
}

// Reset clears the counter for key.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	if rl.redis != nil {
		return rl.redis.Del(ctx, "ratelimit:"+key).Err()
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.local, key)
	return nil
}
