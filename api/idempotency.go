package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HeaderIdempotencyKey lets an HTTP caller retry POST /api/ops without the
// operation being applied twice.
const HeaderIdempotencyKey = "Idempotency-Key"

// RedisDeduper stores seen idempotency keys in Redis so every instance agrees
// on which operations were already accepted.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("board:idem:%s:%s", userID, key)
}

// Add records the key and reports whether it was new.
func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), 1, r.ttl).Result()
}

// Remove forgets a key so the caller may retry after the board was unavailable.
func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
