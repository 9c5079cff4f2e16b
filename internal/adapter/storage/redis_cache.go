package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const resultKeyTTL = 24 * time.Hour

// RedisCache is the shared idempotency result cache for multi-instance
// deployments. Entries expire after 24h; beyond that a replay re-executes
// and the orders table's unique idempotency-key index rejects the
// duplicate insert.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (r *RedisCache) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, resultKeyTTL).Err()
}
