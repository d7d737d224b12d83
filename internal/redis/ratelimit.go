package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a fixed-window counter per key.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{client: client, logger: logger, config: config, now: time.Now}
}

// Allow counts one request against key's current window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := r.now()
	window := now.Truncate(r.config.Window)
	resetAt := window.Add(r.config.Window)
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, window.Unix())

	pipe := r.client.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit pipeline: %w", err)
	}

	count := int(incr.Val())
	res := &RateLimitResult{
		Allowed:   count <= r.config.Limit,
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		r.logger.Debug("rate limit exceeded", zap.String("key", key), zap.Int("count", count))
	}
	return res, nil
}
