package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tarancss/ledgerfeed/lib/ratelimit"
)

func TestRedisAllow(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	r := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "lfd")
	defer r.Close()

	for i := 0; i < 5; i++ {
		ok, err := r.Allow(ctx, "session:a", 5, 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok, "call %d", i+1)
	}

	ok, err := r.Allow(ctx, "session:a", 5, 10*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := mr.Get("lfd:session:a")
	require.NoError(t, err)
	require.Equal(t, "6", got)
	require.Equal(t, 10*time.Second, mr.TTL("lfd:session:a"))

	// later calls of the window keep its expiry
	mr.FastForward(4 * time.Second)

	ok, err = r.Allow(ctx, "session:a", 5, 10*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 6*time.Second, mr.TTL("lfd:session:a"))

	mr.FastForward(6 * time.Second)

	ok, err = r.Allow(ctx, "session:a", 5, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisFailOpen(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	r := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "lfd")
	defer r.Close()

	g := ratelimit.NewGuarded(r, 100*time.Millisecond, zaptest.NewLogger(t))

	require.True(t, g.Allow(ctx, "ip:1", 1, time.Minute))
	require.False(t, g.Allow(ctx, "ip:1", 1, time.Minute))

	mr.Close()

	_, err = r.Allow(ctx, "ip:1", 1, time.Minute)
	require.Error(t, err)
	require.True(t, g.Allow(ctx, "ip:1", 1, time.Minute))
}
