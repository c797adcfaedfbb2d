package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callsession-backend/internal/database"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/response"
)

// RateLimitRecorder receives rate limiting metrics
type RateLimitRecorder interface {
	RecordRateLimitHit(endpoint string)
	RecordRateLimitBlocked(endpoint string)
}

// RateLimiter is a fixed window limiter kept in Redis. While Redis is
// unreachable each instance counts in memory instead.
type RateLimiter struct {
	redis    *database.RedisClient
	prefix   string
	requests int
	window   time.Duration
	metrics  RateLimitRecorder
	fallback *InMemoryRateLimiter
}

// NewRateLimiter creates a limiter allowing requests per window for each
// caller. redis and metrics may be nil.
func NewRateLimiter(redis *database.RedisClient, prefix string, requests int, window time.Duration, metrics RateLimitRecorder) *RateLimiter {
	return &RateLimiter{
		redis:    redis,
		prefix:   prefix,
		requests: requests,
		window:   window,
		metrics:  metrics,
		fallback: NewInMemoryRateLimiter(),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get(ContextUserID); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		count, left := rl.hit(c.Request.Context(), identifier)

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(left).Unix(), 10))

		endpoint := c.FullPath()
		if rl.metrics != nil {
			rl.metrics.RecordRateLimitHit(endpoint)
		}

		if count > int64(rl.requests) {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitBlocked(endpoint)
			}
			c.Header("Retry-After", strconv.Itoa(int(left.Seconds())+1))
			response.FromError(c, apperrors.RateLimitExceededError())
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int64, time.Duration) {
	key := "ratelimit:" + rl.prefix + ":" + identifier

	if rl.redis != nil {
		count, left, err := rl.redis.SafeIncrWindow(ctx, key, rl.window)
		if err == nil {
			return count, left
		}
		logger.FromContext(ctx).Debug("Falling back to in-memory rate limiting",
			zap.String("identifier", identifier),
			zap.Error(err))
	}
	return rl.fallback.Hit(key, rl.window, time.Now())
}

// InMemoryRateLimiter counts fixed windows in process memory
type InMemoryRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*windowCount
}

type windowCount struct {
	count   int64
	resetAt time.Time
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{limits: make(map[string]*windowCount)}
}

// Hit counts one request for key and returns the count in the current window
// and the time left in it
func (im *InMemoryRateLimiter) Hit(key string, window time.Duration, now time.Time) (int64, time.Duration) {
	im.mu.Lock()
	defer im.mu.Unlock()

	w, ok := im.limits[key]
	if !ok || !now.Before(w.resetAt) {
		if len(im.limits) > 10000 {
			im.evictExpired(now)
		}
		w = &windowCount{resetAt: now.Add(window)}
		im.limits[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now)
}

func (im *InMemoryRateLimiter) evictExpired(now time.Time) {
	for k, w := range im.limits {
		if !now.Before(w.resetAt) {
			delete(im.limits, k)
		}
	}
}
