package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisRateLimitPrefix  = "voicetodo:ratelimit:"
	redisRateLimitTimeout = 250 * time.Millisecond
)

// redisRateLimiter shares counters between API replicas. Each window gets its
// own key, named by the window start, which expires shortly after it closes.
type redisRateLimiter struct {
	client redis.Cmdable
	closer func() error
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter connects to addr and fails if the server does not answer a ping.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client: client,
		closer: client.Close,
		logger: logger.With("component", "rate_limiter"),
		now:    time.Now,
	}, nil
}

// Allow fails open when Redis is unreachable.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	start, end := windowBounds(rl.now(), window)
	bucket := fmt.Sprintf("%s%s:%d", redisRateLimitPrefix, key, start.Unix())

	ctx, cancel := context.WithTimeout(context.Background(), redisRateLimitTimeout)
	defer cancel()
	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, bucket)
		pipe.ExpireAt(ctx, bucket, end.Add(time.Second))
		return nil
	})
	if err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", "key", key, "error", err)
		return rateDecision{allowed: true, windowEnd: end}
	}
	count := int(incr.Val())
	return rateDecision{allowed: count <= limit, count: count, windowEnd: end}
}

func (rl *redisRateLimiter) Close() {
	if rl.closer != nil {
		_ = rl.closer()
	}
}
