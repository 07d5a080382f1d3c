// internal/syncqueue/store_redis.go
package syncqueue

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the document under a single Redis key. SET replaces the
// value atomically.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Read(ctx context.Context) (string, error) {
	content, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return content, err
}

func (s *RedisStore) Write(ctx context.Context, content string) error {
	return s.client.Set(ctx, s.key, content, 0).Err()
}
