package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tarancss/ledgerfeed/explorer/multiplex"
	"github.com/tarancss/ledgerfeed/lib/config"
	"github.com/tarancss/ledgerfeed/lib/ledger/types"
)

const (
	addrA = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	addrB = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
)

type fakeConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *fakeConn) write(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// fakeLedger is a websocket server speaking enough of the ledger protocol for the manager.
type fakeLedger struct {
	srv *httptest.Server

	l     sync.Mutex
	conns []*fakeConn
	reqs  []request
}

func newFakeLedger(t *testing.T) *fakeLedger {
	f := &fakeLedger{}
	up := websocket.Upgrader{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := &fakeConn{ws: ws}
		f.l.Lock()
		f.conns = append(f.conns, c)
		f.l.Unlock()

		for {
			_, b, err := ws.ReadMessage()
			if err != nil {
				return
			}

			var req request
			if json.Unmarshal(b, &req) != nil {
				continue
			}

			f.l.Lock()
			f.reqs = append(f.reqs, req)
			f.l.Unlock()

			_ = c.write(f.answer(req))
		}
	}))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeLedger) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeLedger) answer(req request) []byte {
	var res map[string]interface{}

	switch req.Command {
	case cmdAccountInfo:
		if req.Account != addrA {
			res = map[string]interface{}{"id": req.ID, "status": "error", "type": "response", "error": "actNotFound"}

			break
		}

		res = map[string]interface{}{"id": req.ID, "status": "success", "type": "response", "result": map[string]interface{}{
			"account_data": map[string]interface{}{"Account": addrA, "Balance": "25000000", "Sequence": 7},
			"ledger_index": 81234567,
			"validated":    true,
		}}
	case cmdLedger:
		res = map[string]interface{}{"id": req.ID, "status": "success", "type": "response", "result": map[string]interface{}{
			"ledger":       map[string]interface{}{"ledger_index": "81234567", "close_time": 750000000},
			"ledger_hash":  "ABCD",
			"ledger_index": 81234567,
			"validated":    true,
		}}
	default:
		res = map[string]interface{}{"id": req.ID, "status": "success", "type": "response", "result": map[string]interface{}{}}
	}

	b, _ := json.Marshal(res)

	return b
}

// subscriptions counts the subscribe requests received for key.
func (f *fakeLedger) subscriptions(command, key string) int {
	f.l.Lock()
	defer f.l.Unlock()

	n := 0
	for _, r := range f.reqs {
		if r.Command != command {
			continue
		}

		for _, k := range append(r.Streams, r.Accounts...) {
			if k == key {
				n++
			}
		}
	}

	return n
}

func (f *fakeLedger) connections() int {
	f.l.Lock()
	defer f.l.Unlock()

	return len(f.conns)
}

func (f *fakeLedger) push(t *testing.T, msg string) {
	f.l.Lock()
	c := f.conns[len(f.conns)-1]
	f.l.Unlock()

	require.NoError(t, c.write([]byte(msg)))
}

func (f *fakeLedger) drop() {
	f.l.Lock()
	defer f.l.Unlock()

	for _, c := range f.conns {
		_ = c.ws.Close()
	}
}

func netConf(node string, attempts int) []config.NetworkConfig {
	return []config.NetworkConfig{
		{Name: "test", Node: node, MaxReconnectAttempts: attempts, ReconnectDelay: 20, MaxLedgers: 4},
		{Name: "other", Node: node, MaxReconnectAttempts: attempts, ReconnectDelay: 20, MaxLedgers: 4},
	}
}

// waitState reads transitions until want is reached.
func waitState(t *testing.T, ch <-chan types.StateChange, want types.State) types.StateChange {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-ch:
			if c.To == want {
				return c
			}
		case <-timeout:
			t.Fatalf("state %s not reached", want)
		}
	}
}

// recorder counts the hook calls.
type recorder struct {
	m       *Manager
	keys    []string
	online  atomic.Int32
	offline atomic.Int32
}

func (r *recorder) Online(ctx context.Context) {
	r.online.Add(1)
	for _, k := range r.keys {
		_ = r.m.Subscribe(ctx, k)
	}
}

func (r *recorder) Offline() { r.offline.Add(1) }

func TestConnect(t *testing.T) {
	f := newFakeLedger(t)
	m := New(netConf(f.url(), 3), nil, zaptest.NewLogger(t))
	defer m.Close()

	rec := &recorder{m: m, keys: []string{types.LedgerKey}}
	m.SetHooks(rec)

	w := m.Watch()
	require.Equal(t, types.Disconnected, m.State())
	require.ErrorIs(t, m.Connect("nowhere"), types.ErrUnknownNetwork)

	require.NoError(t, m.Connect("test"))
	waitState(t, w, types.Connecting)
	waitState(t, w, types.Connected)

	// same network is a no-op, another one is refused
	require.NoError(t, m.Connect("test"))
	require.ErrorIs(t, m.Connect("other"), types.ErrBusy)

	require.Eventually(t, func() bool { return f.subscriptions(cmdSubscribe, types.LedgerKey) == 1 },
		time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, rec.online.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	bal, err := m.AccountInfo(ctx, addrA)
	require.NoError(t, err)
	assert.Equal(t, "25000000", bal.Balance)
	assert.Equal(t, uint64(7), bal.Sequence)
	assert.Equal(t, uint64(81234567), bal.LedgerIndex)
	assert.Equal(t, "test", bal.Network)

	_, err = m.AccountInfo(ctx, addrB)
	require.ErrorIs(t, err, types.ErrAccountUnknown)

	li, err := m.LedgerInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(81234567), li.Index)
	assert.Equal(t, "ABCD", li.Hash)
	assert.Equal(t, int64(750000000+rippleEpoch), li.CloseTime.Unix())

	f.push(t, `{"type":"ledgerClosed","ledger_index":81234568,"ledger_hash":"EF01","ledger_time":750000004,"txn_count":3}`)

	select {
	case n := <-m.Notifications():
		assert.Equal(t, "test", n.Network)
		ev, err := Normalize(n.Network, n.Raw)
		require.NoError(t, err)
		assert.Equal(t, uint64(81234568), ev.Block.Index)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}

	m.Disconnect()
	require.Equal(t, types.Disconnected, m.State())
	require.EqualValues(t, 1, rec.offline.Load())

	_, err = m.LedgerInfo(ctx)
	require.ErrorIs(t, err, types.ErrNotConnected)
	require.ErrorIs(t, m.Subscribe(ctx, addrA), types.ErrNotConnected)
}

func TestFailedAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32

	dial := func(context.Context, string) (Transport, error) {
		dials.Add(1)

		return nil, errors.New("connection refused")
	}

	m := New(netConf("ws://127.0.0.1:1", 2), dial, zaptest.NewLogger(t))
	defer m.Close()

	w := m.Watch()
	require.NoError(t, m.Connect("test"))

	c := waitState(t, w, types.Failed)
	require.Error(t, c.Err)
	require.Equal(t, 2, m.Attempts())

	// no automatic attempt once FAILED
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 3, dials.Load())
	require.Equal(t, types.Failed, m.State())

	// an explicit connect restores the budget
	require.NoError(t, m.Connect("test"))
	waitState(t, w, types.Failed)
	require.EqualValues(t, 6, dials.Load())
}

func TestReconnectResubscribesOnce(t *testing.T) {
	f := newFakeLedger(t)
	m := New(netConf(f.url(), 5), nil, zaptest.NewLogger(t))
	defer m.Close()

	rec := &recorder{m: m, keys: []string{addrA}}
	m.SetHooks(rec)

	w := m.Watch()
	require.NoError(t, m.Connect("test"))
	waitState(t, w, types.Connected)
	require.Eventually(t, func() bool { return f.subscriptions(cmdSubscribe, addrA) == 1 },
		time.Second, 10*time.Millisecond)

	f.drop()

	c := waitState(t, w, types.Reconnecting)
	require.Equal(t, 1, c.Attempts)
	waitState(t, w, types.Connected)
	require.Equal(t, 0, m.Attempts())

	require.Eventually(t, func() bool { return f.subscriptions(cmdSubscribe, addrA) == 2 },
		time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, f.subscriptions(cmdSubscribe, addrA))
	require.Equal(t, 2, f.connections())
	require.EqualValues(t, 2, rec.online.Load())
	require.EqualValues(t, 1, rec.offline.Load())
}

// Two sessions share ADDR1 through the multiplexer: each connection carries a single subscribe for it.
func TestSharedKeyResubscribedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFakeLedger(t)
	log := zaptest.NewLogger(t)
	m := New(netConf(f.url(), 5), nil, log)
	defer m.Close()

	mx := multiplex.New(m, log)
	m.SetHooks(mx)

	// both refs are taken before the connection exists
	mx.Acquire(ctx, addrA)
	mx.Acquire(ctx, addrA)
	mx.Acquire(ctx, types.LedgerKey)

	w := m.Watch()
	require.NoError(t, m.Connect("test"))
	waitState(t, w, types.Connected)
	require.Eventually(t, func() bool { return f.subscriptions(cmdSubscribe, addrA) == 1 },
		time.Second, 10*time.Millisecond)

	f.drop()

	waitState(t, w, types.Reconnecting)
	waitState(t, w, types.Connected)

	require.Eventually(t, func() bool {
		return f.subscriptions(cmdSubscribe, addrA) == 2 && f.subscriptions(cmdSubscribe, types.LedgerKey) == 2
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, f.connections())
	require.Equal(t, 2, f.subscriptions(cmdSubscribe, addrA))
	require.Equal(t, 2, mx.RefCount(addrA))

	// the first release keeps the upstream subscription, the last one drops it
	require.NoError(t, mx.Release(ctx, addrA))
	require.NoError(t, mx.Release(ctx, addrA))
	require.Eventually(t, func() bool { return f.subscriptions(cmdUnsubscribe, addrA) == 1 },
		time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.subscriptions(cmdUnsubscribe, addrA))
}

func TestDisconnectStopsReconnect(t *testing.T) {
	var dials atomic.Int32

	dial := func(context.Context, string) (Transport, error) {
		dials.Add(1)

		return nil, errors.New("connection refused")
	}

	m := New(netConf("ws://127.0.0.1:1", 100), dial, zaptest.NewLogger(t))
	defer m.Close()

	w := m.Watch()
	require.NoError(t, m.Connect("test"))
	waitState(t, w, types.Reconnecting)

	m.Disconnect()
	n := dials.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, types.Disconnected, m.State())
	require.LessOrEqual(t, dials.Load(), n+1)

	// another network may be used once disconnected
	require.NoError(t, m.Connect("other"))
	require.Equal(t, "other", m.Network())
}
