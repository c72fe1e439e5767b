// Package memory implements the broadcast bus inside a single process.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/metrics"
	"github.com/tarancss/ledgerfeed/lib/msg"
)

const subscriberQueue = 4096

// Memory delivers every published event to each subscriber channel. A full subscriber loses the event.
type Memory struct {
	l      sync.Mutex
	subs   map[chan types.Event]struct{}
	closed bool
	done   chan struct{}
	log    *zap.Logger
}

// New returns an empty bus.
func New(log *zap.Logger) *Memory {
	return &Memory{subs: make(map[chan types.Event]struct{}), done: make(chan struct{}), log: log}
}

// Publish implements msg.Bus.
func (m *Memory) Publish(_ context.Context, ev types.Event) error {
	m.l.Lock()
	defer m.l.Unlock()

	if m.closed {
		return msg.ErrClosed
	}

	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues("bus_full").Inc()
			m.log.Warn("bus subscriber is full, dropping event", zap.String("event", ev.ID()))
		}
	}

	return nil
}

// Subscribe implements msg.Bus.
func (m *Memory) Subscribe(ctx context.Context) (<-chan types.Event, error) {
	m.l.Lock()
	defer m.l.Unlock()

	if m.closed {
		return nil, msg.ErrClosed
	}

	ch := make(chan types.Event, subscriberQueue)
	m.subs[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.l.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.l.Unlock()
	}()

	return ch, nil
}

// Close implements msg.Bus.
func (m *Memory) Close() error {
	m.l.Lock()
	defer m.l.Unlock()

	if !m.closed {
		m.closed = true
		close(m.done)
		for ch := range m.subs {
			delete(m.subs, ch)
			close(ch)
		}
	}

	return nil
}
