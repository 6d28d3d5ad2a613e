package blobstore

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// CachedStore shadows step-data/<id> reads through Redis ahead of the
// slower blob store, mirroring the optional Redis path the original
// implementation's bucket.py carried (USING_REDIS) but never enabled by
// default. step/<id> keys are never cached: a stale read there would
// desync the DAG traversal, which spec.md §7 treats as fatal, not
// recoverable, so the cost of a miss is not worth the risk of staleness.
type CachedStore struct {
	next  Store
	redis *redis.Client
	ttl   time.Duration
}

func NewCachedStore(next Store, client *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, redis: client, ttl: ttl}
}

func (c *CachedStore) cacheable(key string) bool {
	return strings.HasPrefix(key, "step-data/")
}

func (c *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if c.redis == nil || !c.cacheable(key) {
		return c.next.Get(ctx, key)
	}

	cached, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		return cached, nil
	}
	if err != redis.Nil {
		return c.next.Get(ctx, key)
	}

	data, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
	return data, nil
}

func (c *CachedStore) Set(ctx context.Context, key string, data []byte) error {
	if err := c.next.Set(ctx, key, data); err != nil {
		return err
	}
	if c.redis != nil && c.cacheable(key) {
		_ = c.redis.Set(ctx, key, data, c.ttl).Err()
	}
	return nil
}

func (c *CachedStore) Delete(ctx context.Context, key string) error {
	if err := c.next.Delete(ctx, key); err != nil {
		return err
	}
	if c.redis != nil && c.cacheable(key) {
		_ = c.redis.Del(ctx, key).Err()
	}
	return nil
}
