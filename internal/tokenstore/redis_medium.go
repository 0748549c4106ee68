package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "chandlo:session:"

// RedisMedium persists session values as plain Redis keys under a prefix.
type RedisMedium struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisMedium connects to the Redis server named by redisURL and verifies it responds.
func NewRedisMedium(ctx context.Context, redisURL string) (*RedisMedium, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("token_store.redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("token_store.redis.ping: %w", pingErr)
	}
	return NewRedisMediumFromClient(client, defaultRedisKeyPrefix), nil
}

// NewRedisMediumFromClient wraps an existing client.
func NewRedisMediumFromClient(client redis.UniversalClient, keyPrefix string) *RedisMedium {
	return &RedisMedium{client: client, keyPrefix: keyPrefix}
}

// Get returns the value stored under key.
func (medium *RedisMedium) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := medium.client.Get(ctx, medium.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("token_store.get.redis: %w", err)
	}
	return value, true, nil
}

// Set replaces the value stored under key without expiry.
func (medium *RedisMedium) Set(ctx context.Context, key string, value string) error {
	if err := medium.client.Set(ctx, medium.keyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("token_store.set.redis: %w", err)
	}
	return nil
}

// Delete removes the given keys.
func (medium *RedisMedium) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, 0, len(keys))
	for _, key := range keys {
		prefixed = append(prefixed, medium.keyPrefix+key)
	}
	if err := medium.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("token_store.delete.redis: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (medium *RedisMedium) Close() error {
	return medium.client.Close()
}
