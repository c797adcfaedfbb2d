package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/database"
)

type countingRecorder struct {
	hits, blocked int
}

func (r *countingRecorder) RecordRateLimitHit(string)     { r.hits++ }
func (r *countingRecorder) RecordRateLimitBlocked(string) { r.blocked++ }

func limitedRouter(rl *RateLimiter) *gin.Engine {
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		c.Set(ContextUserID, int64(1))
		c.Next()
	}, rl.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func send(r http.Handler) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w
}

func TestRateLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rec := &countingRecorder{}
	r := limitedRouter(NewRateLimiter(database.NewRedisClient(client, nil), "initiate", 2, time.Minute, rec))

	assert.Equal(t, http.StatusOK, send(r).Code)
	w := send(r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = send(r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 3, rec.hits)
	assert.Equal(t, 1, rec.blocked)

	assert.True(t, mr.Exists("ratelimit:initiate:user:1"))
	assert.Greater(t, mr.TTL("ratelimit:initiate:user:1"), time.Duration(0))

	// A new window lets the caller through again
	mr.FastForward(time.Minute)
	assert.Equal(t, http.StatusOK, send(r).Code)
}

func TestRateLimiter_FallsBackWhenDegraded(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rc := database.NewRedisClient(client, nil)

	mr.Close()
	require.Error(t, rc.HealthCheck(context.Background()))

	r := limitedRouter(NewRateLimiter(rc, "initiate", 1, time.Minute, nil))
	assert.Equal(t, http.StatusOK, send(r).Code)
	assert.Equal(t, http.StatusTooManyRequests, send(r).Code)
}

func TestInMemoryRateLimiter_Window(t *testing.T) {
	im := NewInMemoryRateLimiter()
	now := time.Unix(1000, 0)

	n, left := im.Hit("k", time.Minute, now)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, left)

	n, left = im.Hit("k", time.Minute, now.Add(30*time.Second))
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 30*time.Second, left)

	n, _ = im.Hit("k", time.Minute, now.Add(time.Minute))
	assert.Equal(t, int64(1), n)
}
