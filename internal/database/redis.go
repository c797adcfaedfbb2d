package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsession-backend/pkg/config"
	"callsession-backend/pkg/logger"
)

// ErrDegraded is returned by the Safe* operations while Redis is unreachable
var ErrDegraded = errors.New("redis is in degraded mode")

// RedisClient wraps Redis client with degraded mode support
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex

	degradedGauge prometheus.Gauge
	healthChecks  prometheus.Counter
}

// NewRedisDB creates a new Redis client from config. Its health metrics are
// registered on reg when reg is not nil.
func NewRedisDB(cfg config.RedisConfig, reg prometheus.Registerer) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})
	return NewRedisClient(client, reg)
}

// NewRedisClient wraps an existing client
func NewRedisClient(client *redis.Client, reg prometheus.Registerer) *RedisClient {
	f := promauto.With(reg)
	return &RedisClient{
		Client: client,
		degradedGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "redis_degraded_mode",
			Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
		}),
		healthChecks: f.NewCounter(prometheus.CounterOpts{
			Name: "redis_health_check_total",
			Help: "Total number of Redis health checks",
		}),
	}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck periodically checks Redis health until ctx is done
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.HealthCheck(ctx); err != nil {
				logger.Warn("Redis health check failed", zap.Error(err))
			}
		}
	}
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()

	if r.degradedMode == degraded {
		return
	}
	r.degradedMode = degraded
	if degraded {
		r.degradedGauge.Set(1)
		logger.Warn("Redis entered degraded mode")
	} else {
		r.degradedGauge.Set(0)
		logger.Info("Redis recovered from degraded mode")
	}
}

// HealthCheck pings Redis and updates degraded mode
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	r.healthChecks.Inc()
	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	return nil
}

// SafePublish performs a PUBLISH operation with degraded mode handling
func (r *RedisClient) SafePublish(ctx context.Context, channel string, message any) error {
	if r.IsDegraded() {
		return fmt.Errorf("publish skipped: %w", ErrDegraded)
	}
	return r.Client.Publish(ctx, channel, message).Err()
}

// SafeSubscribe performs a SUBSCRIBE operation with degraded mode handling
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	if r.IsDegraded() {
		return nil, fmt.Errorf("subscribe skipped: %w", ErrDegraded)
	}
	return r.Client.Subscribe(ctx, channels...), nil
}

// SafeExists performs an EXISTS operation with degraded mode handling
func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) (int64, error) {
	if r.IsDegraded() {
		return 0, fmt.Errorf("exists skipped: %w", ErrDegraded)
	}
	return r.Client.Exists(ctx, keys...).Result()
}

// SafeIncrWindow increments a fixed-window counter, starting its expiry on
// the first hit. It returns the count and the time left in the window.
func (r *RedisClient) SafeIncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if r.IsDegraded() {
		return 0, 0, fmt.Errorf("incr skipped: %w", ErrDegraded)
	}

	pipe := r.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	left := ttl.Val()
	if left < 0 {
		if err := r.Client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, err
		}
		left = window
	}
	return incr.Val(), left, nil
}
