// Package ledger maintains the single upstream connection to a ledger network: its state machine, automatic
// reconnection, upstream requests and the normalization of the messages it pushes.
package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/config"
	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/metrics"
)

const (
	notificationQueue = 1024
	watchQueue        = 16
	onlineTimeout     = 30 * time.Second
)

// Hooks are told when upstream subscriptions become possible and when they are gone. Online is called once per
// established transport, before any drop of that transport is reported through Offline.
type Hooks interface {
	Online(ctx context.Context)
	Offline()
}

type nopHooks struct{}

func (nopHooks) Online(context.Context) {}
func (nopHooks) Offline()               {}

// Notification is a raw push message received from Network.
type Notification struct {
	Network string
	Raw     []byte
}

// Manager owns the upstream connection. Transitions are serialized by hookMu, which is always taken before the lock
// of the Hooks implementation, which in turn is taken before mu.
type Manager struct {
	log  *zap.Logger
	nets map[string]config.NetworkConfig
	dial Dialer

	hookMu sync.Mutex
	hooks  Hooks

	mu       sync.Mutex
	state    types.State
	network  string
	endpoint string
	attempts int
	gen      uint64
	conn     Transport
	bo       backoff.BackOff
	timer    *time.Timer
	nextID   uint64
	pending  map[uint64]chan *response
	watchers []chan types.StateChange

	notif     chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a disconnected manager for the given networks. A nil dial uses DialWS.
func New(nets []config.NetworkConfig, dial Dialer, log *zap.Logger) *Manager {
	if dial == nil {
		dial = DialWS
	}

	m := &Manager{
		log:     log,
		nets:    make(map[string]config.NetworkConfig, len(nets)),
		dial:    dial,
		hooks:   nopHooks{},
		state:   types.Disconnected,
		pending: make(map[uint64]chan *response),
		notif:   make(chan Notification, notificationQueue),
		done:    make(chan struct{}),
	}

	for _, n := range nets {
		m.nets[n.Name] = n
	}

	metrics.ConnectionState.WithLabelValues(m.state.String()).Set(1)

	return m
}

// SetHooks installs the subscription hooks.
func (m *Manager) SetHooks(h Hooks) {
	m.hookMu.Lock()
	m.hooks = h
	m.hookMu.Unlock()
}

// Networks returns the configured network names.
func (m *Manager) Networks() []string {
	nets := make([]string, 0, len(m.nets))
	for n := range m.nets {
		nets = append(nets, n)
	}

	return nets
}

// Notifications returns the channel of push messages. It is never closed.
func (m *Manager) Notifications() <-chan Notification {
	return m.notif
}

// Watch returns a channel receiving every state transition. Slow watchers miss transitions.
func (m *Manager) Watch() <-chan types.StateChange {
	ch := make(chan types.StateChange, watchQueue)

	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	return ch
}

// State returns the current state.
func (m *Manager) State() types.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Network returns the network of the current or last connection.
func (m *Manager) Network() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.network
}

// Attempts returns the number of reconnect attempts since the last successful connection.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attempts
}

// Connect starts connecting to network and returns before the dial completes; the outcome is observed with Watch.
// It is a no-op when the manager is already active on network and fails with ErrBusy when active on another one.
// From FAILED it restores the reconnect budget.
func (m *Manager) Connect(network string) error {
	nc, ok := m.nets[network]
	if !ok {
		return types.ErrUnknownNetwork
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.done:
		return types.ErrNotConnected
	default:
	}

	if m.state != types.Disconnected && m.state != types.Failed {
		if m.network == network {
			return nil
		}

		return types.ErrBusy
	}

	m.gen++
	m.network = network
	m.endpoint = nc.Node
	m.attempts = 0
	m.bo = backoff.WithMaxRetries(backoff.NewConstantBackOff(nc.Delay()), uint64(nc.MaxReconnectAttempts))
	m.setState(types.Connecting, nil)

	go m.connect(m.gen, nc.Node)

	return nil
}

// Disconnect closes the transport and cancels any scheduled reconnection. Upstream subscription bookkeeping is
// cleared through Hooks.Offline.
func (m *Manager) Disconnect() {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()

	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempts = 0
	m.failPending()
	if m.state != types.Disconnected {
		m.setState(types.Disconnected, nil)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	m.hooks.Offline()
}

// Close disconnects and releases the manager.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.Disconnect()
		close(m.done)
	})
}

// connect dials endpoint on behalf of generation gen.
func (m *Manager) connect(gen uint64, endpoint string) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, err := m.dial(ctx, endpoint)
	cancel()

	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.log.Warn("cannot connect to ledger", zap.String("endpoint", endpoint), zap.Error(err))
			m.retry(gen, err)
		}
		m.mu.Unlock()

		return
	}

	m.hookMu.Lock()
	defer m.hookMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()

		return
	}
	m.conn = conn
	m.attempts = 0
	m.bo.Reset()
	m.setState(types.Connected, nil)
	network := m.network
	m.mu.Unlock()

	m.log.Info("connected to ledger", zap.String("network", network), zap.String("endpoint", endpoint))

	go m.readLoop(gen, network, conn)

	ctx, cancel = context.WithTimeout(context.Background(), onlineTimeout)
	m.hooks.Online(ctx)
	cancel()
}

// retry schedules the next dial or gives up. Must be called with m.mu held.
func (m *Manager) retry(gen uint64, cause error) {
	next := m.bo.NextBackOff()
	if next == backoff.Stop {
		m.log.Error("ledger connection failed, giving up", zap.String("endpoint", m.endpoint),
			zap.Int("attempts", m.attempts), zap.Error(cause))
		m.setState(types.Failed, cause)

		return
	}

	m.attempts++
	metrics.ReconnectAttempts.Inc()
	m.setState(types.Reconnecting, cause)

	endpoint := m.endpoint
	m.timer = time.AfterFunc(next, func() {
		m.mu.Lock()
		if m.gen != gen || m.state != types.Reconnecting {
			m.mu.Unlock()

			return
		}
		m.timer = nil
		m.setState(types.Connecting, nil)
		m.mu.Unlock()

		m.connect(gen, endpoint)
	})
}

func (m *Manager) readLoop(gen uint64, network string, conn Transport) {
	for {
		raw, err := conn.Read()
		if err != nil {
			m.dropped(gen, conn, err)

			return
		}

		var env envelope
		if err = json.Unmarshal(raw, &env); err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			m.log.Warn("dropping malformed upstream message", zap.Error(err))

			continue
		}

		if env.ID != nil || env.Type == msgResponse {
			m.resolve(raw)

			continue
		}

		select {
		case m.notif <- Notification{Network: network, Raw: raw}:
		case <-m.done:
			return
		}
	}
}

// dropped handles the loss of conn, reporting it to the reconnect path unless it was closed on purpose.
func (m *Manager) dropped(gen uint64, conn Transport, cause error) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()

	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()

		return
	}
	m.conn = nil
	m.failPending()
	m.log.Warn("ledger connection lost", zap.String("endpoint", m.endpoint), zap.Error(cause))
	m.retry(gen, cause)
	m.mu.Unlock()

	_ = conn.Close()

	m.hooks.Offline()
}

// setState records a transition and notifies watchers. Must be called with m.mu held.
func (m *Manager) setState(s types.State, cause error) {
	ch := types.StateChange{
		Network:  m.network,
		From:     m.state,
		To:       s,
		Attempts: m.attempts,
		Err:      cause,
		At:       time.Now(),
	}

	metrics.ConnectionState.WithLabelValues(m.state.String()).Set(0)
	metrics.ConnectionState.WithLabelValues(s.String()).Set(1)

	m.state = s

	m.log.Debug("ledger connection state", zap.Stringer("from", ch.From), zap.Stringer("to", ch.To),
		zap.Int("attempts", ch.Attempts))

	for _, w := range m.watchers {
		select {
		case w <- ch:
		default:
			m.log.Warn("state watcher is full, dropping transition", zap.Stringer("to", s))
		}
	}
}
