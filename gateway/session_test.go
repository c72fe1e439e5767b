package gateway

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tarancss/ledgerfeed/explorer/multiplex"
	"github.com/tarancss/ledgerfeed/lib/config"
	"github.com/tarancss/ledgerfeed/lib/msg/memory"
	"github.com/tarancss/ledgerfeed/lib/ratelimit"
	rlmem "github.com/tarancss/ledgerfeed/lib/ratelimit/memory"
)

func newGateway(t *testing.T, opts Options) *Gateway {
	t.Helper()

	log := zaptest.NewLogger(t)
	g, err := New(&fakeConn{}, multiplex.New(&upstream{}, log), &fakeExplorer{}, memory.New(log),
		ratelimit.NewGuarded(rlmem.New(), time.Second, log), opts, log)
	require.NoError(t, err)

	return g
}

func message(t *testing.T, text string) *websocket.PreparedMessage {
	t.Helper()

	pm, err := websocket.NewPreparedMessage(websocket.TextMessage, []byte(text))
	require.NoError(t, err)

	return pm
}

func TestDropOldest(t *testing.T) {
	g := newGateway(t, Options{SessionBuffer: 3})
	s := newSession(g, nil)

	msgs := make([]*websocket.PreparedMessage, 5)
	for i := range msgs {
		msgs[i] = message(t, string(rune('a'+i)))
		require.True(t, s.enqueue(msgs[i]))
	}

	// the two oldest frames were dropped, order is kept
	require.Same(t, msgs[2], s.pop())
	require.Same(t, msgs[3], s.pop())
	require.Same(t, msgs[4], s.pop())
	require.Nil(t, s.pop())
	require.Len(t, s.wake, 1)
}

func TestOverflowDisconnect(t *testing.T) {
	g := newGateway(t, Options{SessionBuffer: 2, Overflow: config.Disconnect})
	s := newSession(g, nil)

	require.True(t, s.enqueue(message(t, "a")))
	require.True(t, s.enqueue(message(t, "b")))
	require.False(t, s.enqueue(message(t, "c")))

	select {
	case <-s.done:
	default:
		t.Fatal("session was not closed")
	}

	require.Nil(t, s.pop())
	require.False(t, s.enqueue(message(t, "d")))
}

func TestDispatchTargets(t *testing.T) {
	g := newGateway(t, Options{SessionBuffer: 8})

	s1, s2, s3 := newSession(g, nil), newSession(g, nil), newSession(g, nil)
	for _, s := range []*session{s1, s2, s3} {
		g.reg.add(s)
	}

	g.reg.setAddress(s1, "", addr1)
	g.reg.setAddress(s2, "", addr3)
	g.reg.setLedger(s2, true)
	g.reg.setAddress(s3, "", addr2)
	g.reg.setAddress(s3, addr2, addr1)

	g.dispatch(txEvent("CC33", addr1, addr2))
	g.dispatch(blockEvent(90))
	g.dispatch(blockEvent(90))

	require.Len(t, s1.queue, 1)
	require.Len(t, s2.queue, 1)
	require.Len(t, s3.queue, 1)

	g.reg.remove(s3, addr1)
	require.Equal(t, []*session{s1}, g.reg.targets(txEvent("DD44", addr1)))
	require.Empty(t, g.reg.byAddr[addr2])
	require.Equal(t, 2, g.Sessions())
}
