package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllow(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	m := New()
	m.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "ip:1", 3, time.Second)
		require.NoError(t, err)
		require.True(t, ok, "call %d", i+1)
	}

	ok, _ := m.Allow(ctx, "ip:1", 3, time.Second)
	require.False(t, ok)
	require.Equal(t, 4, m.w["ip:1"].count)

	// other keys have their own window
	ok, _ = m.Allow(ctx, "ip:2", 3, time.Second)
	require.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = m.Allow(ctx, "ip:1", 3, time.Second)
	require.True(t, ok)
	require.Equal(t, 1, m.w["ip:1"].count)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	m := New()
	m.now = func() time.Time { return now }

	_, _ = m.Allow(ctx, "old", 1, time.Second)
	now = now.Add(time.Minute)

	for i := 1; i < sweepEvery; i++ {
		_, _ = m.Allow(ctx, "new", 1, time.Hour)
	}

	require.NotContains(t, m.w, "old")
	require.Contains(t, m.w, "new")
}
