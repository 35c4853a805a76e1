package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper stores seen idempotency keys in Redis so retried create
// requests are recognized across instances.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(ownerKey, key string) string {
	return fmt.Sprintf("idem:%s:%s", ownerKey, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, ownerKey, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(ownerKey, key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key. It is used when the create failed
// downstream so the caller may retry with the same key.
func (r *RedisDeduper) Remove(ctx context.Context, ownerKey, key string) error {
	return r.client.Del(ctx, r.key(ownerKey, key)).Err()
}
