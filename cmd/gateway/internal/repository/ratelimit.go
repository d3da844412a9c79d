package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shubham-shewale/stock-popularity/pkg/clock"
)

const rateKeyPrefix = "request-count-ip"

// Compile-time check to ensure RedisRateLimiter implements RateLimiter
var _ RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter counts requests per ip and path in fixed windows.
type RedisRateLimiter struct {
	client redis.UniversalClient
	clock  clock.Clock
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(client redis.UniversalClient, clk clock.Clock, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, clock: clk, limit: limit, window: window}
}

// Allow counts the request and reports whether it is within the limit.
// The popularity list endpoints are never limited.
func (l *RedisRateLimiter) Allow(ctx context.Context, ip, path string) (bool, error) {
	if exempt(path) {
		return true, nil
	}

	key := l.key(ip, path)
	var count *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("count request: %w", err)
	}
	return count.Val() <= int64(l.limit), nil
}

// key buckets requests into the current window. Per-symbol paths share one
// counter per sub-resource, so walking symbols does not dodge the limit.
func (l *RedisRateLimiter) key(ip, path string) string {
	resource := path
	if strings.HasPrefix(path, "/stocks/") {
		if parts := strings.Split(path, "/"); len(parts) > 3 {
			resource = parts[3]
		}
	}
	secs := int64(l.window / time.Second)
	return fmt.Sprintf("%s-%s-%s-%d-%d", rateKeyPrefix, ip, resource, secs, l.clock.Now().Unix()/secs)
}

func exempt(path string) bool {
	return strings.HasPrefix(path, "/most_popular") || strings.HasPrefix(path, "/least_popular")
}
