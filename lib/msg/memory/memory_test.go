package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/msg"
)

func TestMemoryBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New(zaptest.NewLogger(t))

	sub1, err := b.Subscribe(ctx)
	require.NoError(t, err)

	ctx2, cancel2 := context.WithCancel(ctx)
	sub2, err := b.Subscribe(ctx2)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, b.Publish(ctx, types.NewBlockEvent(&types.BlockClosed{Network: "test", Index: i})))
	}

	for _, sub := range []<-chan types.Event{sub1, sub2} {
		for i := uint64(1); i <= 3; i++ {
			ev := <-sub
			require.Equal(t, i, ev.Block.Index)
		}
	}

	cancel2()
	_, ok := <-sub2
	require.False(t, ok)

	require.NoError(t, b.Close())
	_, ok = <-sub1
	require.False(t, ok)

	require.ErrorIs(t, b.Publish(ctx, types.NewBlockEvent(&types.BlockClosed{})), msg.ErrClosed)
	_, err = b.Subscribe(ctx)
	require.ErrorIs(t, err, msg.ErrClosed)
}
