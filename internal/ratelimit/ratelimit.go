// Package ratelimit implements per-key, per-endpoint request-per-minute
// limiting on Redis. Counters live in fixed one-minute windows keyed by the
// UTC wall clock, so every gateway instance sharing the Redis sees the same
// counts.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowTTL keeps a counter alive past its minute so late arrivals in the
// same window still see it.
const windowTTL = 120 * time.Second

// RateLimitedError reports a window that is already at its cap.
type RateLimitedError struct {
	Limit int
	Count int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests in window, limit %d", e.Count, e.Limit)
}

// Limiter counts requests in Redis. A nil or non-positive limit disables
// limiting for that key.
type Limiter struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, now: time.Now}
}

// Allow increments the key's counter for the current minute and returns a
// *RateLimitedError once the count exceeds the limit. Redis failures are
// returned as-is: a limiter that cannot count must not admit traffic.
func (l *Limiter) Allow(ctx context.Context, apiKeyID, endpoint string, limit *int) error {
	if limit == nil || *limit <= 0 {
		return nil
	}

	window := l.now().UTC().Format("200601021504")
	key := fmt.Sprintf("rl:%s:%s:%s", apiKeyID, endpoint, window)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, windowTTL).Err(); err != nil {
			return fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if count > int64(*limit) {
		return &RateLimitedError{Limit: *limit, Count: count}
	}
	return nil
}
