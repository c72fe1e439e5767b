// Package redis implements the cache on a Redis server shared by every ledgerfeed process.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tarancss/ledgerfeed/lib/cache"
)

// Redis is a cache backed by a go-redis client.
type Redis struct {
	client *redis.Client
	prefix string
}

// New connects to the Redis server in url (ie. redis://localhost:6379/0). Keys are stored under prefix.
func New(url, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}

	return NewFromClient(redis.NewClient(opt), prefix), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}

	return r.prefix + ":" + k
}

// Get implements cache.Cache.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrMiss
		}

		return nil, err
	}

	return data, nil
}

// Put implements cache.Cache.
func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// Invalidate implements cache.Cache.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Close implements cache.Cache.
func (r *Redis) Close() error {
	return r.client.Close()
}
