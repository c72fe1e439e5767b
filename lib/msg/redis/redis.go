// Package redis implements the broadcast bus on Redis pub/sub.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/metrics"
	"github.com/tarancss/ledgerfeed/lib/msg"
)

// Redis publishes encoded events on a Redis channel.
type Redis struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// New connects to the Redis server in url and uses channel for the events.
func New(url, channel string, log *zap.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}

	return NewFromClient(redis.NewClient(opt), channel, log), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, channel string, log *zap.Logger) *Redis {
	return &Redis{client: client, channel: channel, log: log}
}

// Publish implements msg.Bus.
func (r *Redis) Publish(ctx context.Context, ev types.Event) error {
	b, err := msg.Encode(ev)
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, r.channel, b).Err()
}

// Subscribe implements msg.Bus.
func (r *Redis) Subscribe(ctx context.Context) (<-chan types.Event, error) {
	ps := r.client.Subscribe(ctx, r.channel)

	// wait for the subscription to be confirmed so no event published after Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()

		return nil, fmt.Errorf("cannot subscribe to %s: %w", r.channel, err)
	}

	out := make(chan types.Event, 256)

	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}

				ev, err := msg.Decode([]byte(m.Payload))
				if err != nil {
					metrics.BackendErrors.WithLabelValues("bus").Inc()
					r.log.Warn("dropping undecodable bus message", zap.String("channel", m.Channel), zap.Error(err))

					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close implements msg.Bus. Closing the client closes the open subscriptions.
func (r *Redis) Close() error {
	return r.client.Close()
}
