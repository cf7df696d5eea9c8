package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore backs rate-limit windows, lockout attempt counters and
// one-shot guards with Redis atomic primitives. Counters expire with their
// window, so there is nothing to sweep.
type CounterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewCounterStore creates a counter store with the given key prefix.
func NewCounterStore(client redis.UniversalClient, prefix string) *CounterStore {
	return &CounterStore{
		client: client,
		prefix: prefix,
	}
}

// Increment atomically adds one to key. The TTL is set only when the key is
// created, so a window keeps its original deadline across increments.
func (c *CounterStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := c.prefix + key

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	// NX expire: only the first increment of a window sets the deadline.
	pipe.ExpireNX(ctx, full, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return incr.Val(), nil
}

// Get returns the current count, or 0 when the key does not exist.
func (c *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, c.prefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return n, nil
}

func (c *CounterStore) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete counter: %w", err)
	}
	return nil
}

// SetIfNotExists atomically claims key with a TTL. Returns false when the key
// already existed.
func (c *CounterStore) SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	return ok, nil
}

// GetValue returns the string value stored under key, with a found flag.
func (c *CounterStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get value: %w", err)
	}
	return v, true, nil
}
