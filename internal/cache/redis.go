package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	opTimeout      = 500 * time.Millisecond
	metadataSuffix = ":metadata"
)

// RedisAdapter stores values in Redis. Metadata lives under "{key}:metadata"
// with the same expiry as the value and is written in the same transaction.
type RedisAdapter struct {
	rdb redis.UniversalClient
}

func NewRedisAdapter(rdb redis.UniversalClient) *RedisAdapter {
	return &RedisAdapter{rdb: rdb}
}

func (c *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	return data, nil
}

func (c *RedisAdapter) GetWithMetadata(ctx context.Context, key string) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	vals, err := c.rdb.MGet(ctx, key, key+metadataSuffix).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("cache: redis mget %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return Entry{}, ErrNotFound
	}

	var e Entry
	switch v := vals[0].(type) {
	case string:
		e.Value = []byte(v)
	case []byte:
		e.Value = v
	default:
		return Entry{}, fmt.Errorf("cache: unexpected redis value type %T", v)
	}
	if m, ok := vals[1].(string); ok {
		e.Metadata = m
		e.HasMetadata = true
	}
	return e, nil
}

func (c *RedisAdapter) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, opts.TTL)
		if opts.Metadata != nil {
			pipe.Set(ctx, key+metadataSuffix, *opts.Metadata, opts.TTL)
		} else {
			pipe.Del(ctx, key+metadataSuffix)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: redis put %s: %w", key, err)
	}
	return nil
}

func (c *RedisAdapter) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, key, key+metadataSuffix).Err(); err != nil {
		return fmt.Errorf("cache: redis delete %s: %w", key, err)
	}
	return nil
}
