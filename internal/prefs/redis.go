package prefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each user's preferences in one Redis hash.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func hashKey(userID string) string {
	return "prefs:" + userID
}

// Get implements model.PreferenceStore.
func (s *RedisStore) Get(ctx context.Context, userID, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, hashKey(userID), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, true, nil
}

// Set implements model.PreferenceStore.
func (s *RedisStore) Set(ctx context.Context, userID, key, value string) error {
	if err := s.client.HSet(ctx, hashKey(userID), key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// Delete implements model.PreferenceStore.
func (s *RedisStore) Delete(ctx context.Context, userID, key string) error {
	if err := s.client.HDel(ctx, hashKey(userID), key).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
