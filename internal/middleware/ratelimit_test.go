package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/tickerpulse/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/cycles", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r
}

func post(r http.Handler) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cycles", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_Local(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 2, Window: time.Minute}, nil, nil)
	r := limitedRouter(rl)

	first := post(r)
	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "2", first.Header().Get(RateLimitHeader))
	assert.Equal(t, "1", first.Header().Get(RateLimitRemainingHeader))

	assert.Equal(t, http.StatusAccepted, post(r).Code)
	blocked := post(r)
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Equal(t, "0", blocked.Header().Get(RateLimitRemainingHeader))

	require.NoError(t, rl.Reset(context.Background(), "10.0.0.1"))
	assert.Equal(t, http.StatusAccepted, post(r).Code)
}

func TestRateLimiter_Redis(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	rl := NewRateLimiter(RateLimitConfig{Requests: 1, Window: time.Minute}, client, nil)
	r := limitedRouter(rl)

	assert.Equal(t, http.StatusAccepted, post(r).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(r).Code)
	assert.True(t, mr.Exists("ratelimit:10.0.0.1"))

	mr.FastForward(2 * time.Minute)
	assert.Equal(t, http.StatusAccepted, post(r).Code)
}

func TestRateLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	rl := NewRateLimiter(RateLimitConfig{Requests: 1, Window: time.Minute}, client, nil)
	r := limitedRouter(rl)
	mr.Close()

	assert.Equal(t, http.StatusAccepted, post(r).Code)
	assert.Equal(t, http.StatusAccepted, post(r).Code)
}
