package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarancss/ledgerfeed/lib/store"
)

func TestAddresses(t *testing.T) {
	ctx := context.Background()
	m := New()

	id1, err := m.AddAddress(ctx, store.Address{Addr: "rB"}, "test")
	require.NoError(t, err)
	id2, err := m.AddAddress(ctx, store.Address{Addr: "rA"}, "test")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	again, err := m.AddAddress(ctx, store.Address{Addr: "rB"}, "test")
	require.NoError(t, err)
	require.Equal(t, id1, again)

	_, err = m.AddAddress(ctx, store.Address{Addr: "rC"}, "main")
	require.NoError(t, err)

	all, err := m.GetAddresses(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "main", all[0].Net)
	require.Equal(t, "test", all[1].Net)
	require.Equal(t, "rA", all[1].Addr[0].Addr)

	one, err := m.GetAddresses(ctx, []string{"test"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Len(t, one[0].Addr, 2)

	require.NoError(t, m.RemoveAddress(ctx, store.Address{Addr: "rA"}, "test"))
	require.ErrorIs(t, m.RemoveAddress(ctx, store.Address{Addr: "rA"}, "test"), store.ErrAddrNotFound)
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, err := m.LoadExplorer(ctx, "test")
	require.ErrorIs(t, err, store.ErrDataNotFound)

	c := store.Cursor{Ledger: 10, Hashes: []string{"A", "B"}, Head: 1}
	require.NoError(t, m.SaveExplorer(ctx, "test", c))
	c.Hashes[0] = "X"

	got, err := m.LoadExplorer(ctx, "test")
	require.NoError(t, err)
	require.Equal(t, store.Cursor{Ledger: 10, Hashes: []string{"A", "B"}, Head: 1}, got)

	require.NoError(t, m.DeleteExplorer(ctx, "test"))
	_, err = m.LoadExplorer(ctx, "test")
	require.ErrorIs(t, err, store.ErrDataNotFound)
}
