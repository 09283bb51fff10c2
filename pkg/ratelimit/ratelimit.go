// Package ratelimit bounds how fast a single API key may send requests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

var ErrRateLimited = errors.New("Rate limit exceeded")

// inFlightTTL bounds how long a slot survives a crashed request.
const inFlightTTL = 5 * time.Minute

// Limiter admits requests. Every successful RequestStart must be paired
// with a RequestFinish for the returned slot.
type Limiter interface {
	RequestStart(ctx context.Context, keyID string) (slot string, err error)
	RequestFinish(ctx context.Context, slot string) error
}

// Noop admits everything.
type Noop struct{}

func (Noop) RequestStart(context.Context, string) (string, error) { return "", nil }

func (Noop) RequestFinish(context.Context, string) error { return nil }

// RedisLimiter is a per-minute request window backed by
// github.com/vnmchuo/ratelimiter, with an optional cap on concurrent
// requests per key kept in a Redis counter.
type RedisLimiter struct {
	store       extratelimit.Limiter
	rdb         *redis.Client
	maxInFlight int64
}

func NewLimiter(rdb *redis.Client, requestsPerMinute int, maxInFlight int64) *RedisLimiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(requestsPerMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return &RedisLimiter{store: store, rdb: rdb, maxInFlight: maxInFlight}
}

func NewTestLimiter(store extratelimit.Limiter, rdb *redis.Client, maxInFlight int64) *RedisLimiter {
	return &RedisLimiter{store: store, rdb: rdb, maxInFlight: maxInFlight}
}

func windowKey(keyID string) string {
	return fmt.Sprintf("ratelimit:key:%s", keyID)
}

func inFlightKey(keyID string) string {
	return fmt.Sprintf("ratelimit:inflight:%s", keyID)
}

func (l *RedisLimiter) RequestStart(ctx context.Context, keyID string) (string, error) {
	res, err := l.store.Allow(ctx, windowKey(keyID))
	if err != nil {
		return "", fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !res.Allowed {
		return "", ErrRateLimited
	}
	if l.maxInFlight <= 0 || l.rdb == nil {
		return "", nil
	}

	slot := inFlightKey(keyID)
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, slot)
	pipe.Expire(ctx, slot, inFlightTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to reserve request slot: %w", err)
	}
	if incr.Val() > l.maxInFlight {
		if err := l.rdb.Decr(ctx, slot).Err(); err != nil {
			return "", fmt.Errorf("failed to release request slot: %w", err)
		}
		return "", ErrRateLimited
	}
	return slot, nil
}

func (l *RedisLimiter) RequestFinish(ctx context.Context, slot string) error {
	if slot == "" || l.rdb == nil {
		return nil
	}
	if err := l.rdb.Decr(ctx, slot).Err(); err != nil {
		return fmt.Errorf("failed to release request slot: %w", err)
	}
	return nil
}

// Status reports the window state for keyID.
func (l *RedisLimiter) Status(ctx context.Context, keyID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, windowKey(keyID))
}
