// Package redis implements the fixed-window rate limiter on Redis so every ledgerfeed process shares the counters.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis counts with INCR and sets the window expiry on the first call. Keys are stored under prefix.
type Redis struct {
	client *redis.Client
	prefix string
}

// New connects to the Redis server in url.
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

// Allow implements ratelimit.Limiter. INCR and PEXPIRE NX run in one MULTI block: the first call of a window sets its
// expiry and later calls leave it untouched. PEXPIRE NX needs Redis 7.0 or later.
func (r *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := r.key(key)

	var incr *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Do(ctx, "PEXPIRE", k, window.Milliseconds(), "NX")

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limiter pipeline: %w", err)
	}

	return incr.Val() <= int64(limit), nil
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}

	return r.prefix + ":" + k
}

// Close implements ratelimit.Limiter.
func (r *Redis) Close() error {
	return r.client.Close()
}
