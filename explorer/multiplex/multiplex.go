// Package multiplex maps the interest of many client sessions onto at most one upstream subscription per key.
package multiplex

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/metrics"
)

// ErrNotAcquired is returned when a key is released more times than it was acquired.
var ErrNotAcquired = errors.New("multiplex: key was not acquired")

// Upstream issues subscriptions to the ledger.
type Upstream interface {
	Subscribe(ctx context.Context, key string) error
	Unsubscribe(ctx context.Context, key string) error
}

// Multiplexer reference counts subscription keys. Every count mutation and the upstream call it triggers happen
// under one lock, so a key is subscribed exactly once while its count is positive and unsubscribed exactly once when
// it drops to zero. While offline only the counts change; Online subscribes every counted key.
type Multiplexer struct {
	l    sync.Mutex
	up   Upstream
	refs map[string]int
	live bool
	log  *zap.Logger
}

// New returns an offline multiplexer.
func New(up Upstream, log *zap.Logger) *Multiplexer {
	return &Multiplexer{
		up:   up,
		refs: make(map[string]int),
		log:  log,
	}
}

// Acquire adds a reference to key, subscribing it upstream when it is the first one.
func (m *Multiplexer) Acquire(ctx context.Context, key string) {
	m.l.Lock()
	defer m.l.Unlock()

	n := m.refs[key]
	m.refs[key] = n + 1

	if n == 0 {
		metrics.UpstreamSubscriptions.Set(float64(len(m.refs)))

		if m.live {
			if err := m.up.Subscribe(ctx, key); err != nil {
				// the key stays counted and is subscribed again on the next Online
				m.log.Warn("upstream subscribe failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

// Release drops a reference to key, unsubscribing it upstream when it was the last one. Releasing a key that holds
// no reference is a programming error reported as ErrNotAcquired.
func (m *Multiplexer) Release(ctx context.Context, key string) error {
	m.l.Lock()
	defer m.l.Unlock()

	n, ok := m.refs[key]
	if !ok {
		m.log.DPanic("release of a key without references", zap.String("key", key))

		return ErrNotAcquired
	}

	if n > 1 {
		m.refs[key] = n - 1

		return nil
	}

	delete(m.refs, key)
	metrics.UpstreamSubscriptions.Set(float64(len(m.refs)))

	if m.live {
		if err := m.up.Unsubscribe(ctx, key); err != nil {
			m.log.Warn("upstream unsubscribe failed", zap.String("key", key), zap.Error(err))
		}
	}

	return nil
}

// Online subscribes every counted key once, the ledger stream first, and lets later acquisitions go upstream.
func (m *Multiplexer) Online(ctx context.Context) {
	m.l.Lock()
	defer m.l.Unlock()

	m.live = true

	for _, k := range m.keys() {
		if err := m.up.Subscribe(ctx, k); err != nil {
			m.log.Warn("upstream resubscribe failed", zap.String("key", k), zap.Error(err))
		}
	}

	m.log.Info("upstream subscriptions restored", zap.Int("keys", len(m.refs)))
}

// Offline records that the upstream subscriptions are gone. Counts are kept.
func (m *Multiplexer) Offline() {
	m.l.Lock()
	m.live = false
	m.l.Unlock()
}

// Live reports whether upstream subscriptions are active.
func (m *Multiplexer) Live() bool {
	m.l.Lock()
	defer m.l.Unlock()

	return m.live
}

// Keys returns the keys with a positive count, the ledger stream first and addresses sorted.
func (m *Multiplexer) Keys() []string {
	m.l.Lock()
	defer m.l.Unlock()

	return m.keys()
}

// RefCount returns the count of key.
func (m *Multiplexer) RefCount(key string) int {
	m.l.Lock()
	defer m.l.Unlock()

	return m.refs[key]
}

func (m *Multiplexer) keys() []string {
	keys := make([]string, 0, len(m.refs))
	for k := range m.refs {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == types.LedgerKey || keys[j] == types.LedgerKey {
			return keys[i] == types.LedgerKey && keys[j] != types.LedgerKey
		}

		return keys[i] < keys[j]
	})

	return keys
}
