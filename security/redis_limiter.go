package security

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/maestroflow/maestro/core"
)

// RedisRateLimiter is a sliding-window limiter backed by Redis sorted
// sets, for multi-instance deployments. It fails open: a Redis error
// never rejects a request.
type RedisRateLimiter struct {
	config    RateLimitConfig
	client    *redis.Client
	namespace string
	logger    core.Logger
	telemetry core.Telemetry
}

// NewRedisRateLimiter connects to Redis and verifies the connection.
func NewRedisRateLimiter(config RateLimitConfig, redisURL string, logger core.Logger) (*RedisRateLimiter, error) {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultRateLimitConfig().MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimitConfig().Window
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", core.ErrConnectionFailed)
	}

	logger.Info("Redis rate limiter initialized", map[string]interface{}{
		"max_requests": config.MaxRequests,
		"window":       config.Window.String(),
		"algorithm":    "sliding_window",
	})

	return &RedisRateLimiter{
		config:    config,
		client:    client,
		namespace: "maestro:ratelimit",
		logger:    logger,
		telemetry: &core.NoOpTelemetry{},
	}, nil
}

// SetTelemetry injects the telemetry provider.
func (r *RedisRateLimiter) SetTelemetry(telemetry core.Telemetry) {
	if telemetry != nil {
		r.telemetry = telemetry
	}
}

func (r *RedisRateLimiter) key(identifier string) string {
	return fmt.Sprintf("%s:%s", r.namespace, identifier)
}

// Allow admits a request using a sorted-set sliding window. On a
// breach the identifier is blocked for the full window via a marker
// key.
func (r *RedisRateLimiter) Allow(ctx context.Context, identifier string) (bool, int) {
	now := time.Now()
	rateKey := r.key(identifier)
	blockKey := rateKey + ":blocked"

	// Serving an existing block?
	if ttl, err := r.client.TTL(ctx, blockKey).Result(); err == nil && ttl > 0 {
		return false, retryAfterSeconds(ttl)
	}

	windowStart := now.Add(-r.config.Window)
	if err := r.client.ZRemRangeByScore(ctx, rateKey,
		"0", fmt.Sprintf("%d", windowStart.UnixMicro())).Err(); err != nil {
		r.logger.Error("Rate limit window trim failed", map[string]interface{}{
			"error": err.Error(), "key": identifier,
		})
	}

	count, err := r.client.ZCard(ctx, rateKey).Result()
	if err != nil {
		r.logger.Error("Rate limit count failed, failing open", map[string]interface{}{
			"error": err.Error(), "key": identifier,
		})
		return true, 0
	}

	if count >= int64(r.config.MaxRequests) {
		if err := r.client.Set(ctx, blockKey, "1", r.config.Window).Err(); err != nil {
			r.logger.Error("Rate limit block set failed", map[string]interface{}{
				"error": err.Error(), "key": identifier,
			})
		}
		r.telemetry.RecordMetric("security.rate_limit.rejected", 1, map[string]string{
			"backend": "redis",
		})
		r.logger.Warn("Rate limit exceeded", map[string]interface{}{
			"key":   identifier,
			"count": count,
			"limit": r.config.MaxRequests,
		})
		return false, retryAfterSeconds(r.config.Window)
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := r.client.ZAdd(ctx, rateKey, &redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: member,
	}).Err(); err != nil {
		return true, 0
	}
	r.client.Expire(ctx, rateKey, 2*r.config.Window)
	r.telemetry.RecordMetric("security.rate_limit.allowed", 1, map[string]string{
		"backend": "redis",
	})
	return true, 0
}

// Remaining returns the identifier's headroom in the current window.
func (r *RedisRateLimiter) Remaining(ctx context.Context, identifier string) int {
	windowStart := time.Now().Add(-r.config.Window)
	count, err := r.client.ZCount(ctx, r.key(identifier),
		fmt.Sprintf("%d", windowStart.UnixMicro()), "+inf").Result()
	if err != nil {
		return r.config.MaxRequests
	}
	remaining := r.config.MaxRequests - int(count)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Close releases the Redis connection.
func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
