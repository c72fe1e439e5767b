// Package memory implements an in-process fixed-window rate limiter.
package memory

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

type window struct {
	count     int
	expiresAt time.Time
}

// Memory keeps one window per identity key.
type Memory struct {
	l     sync.Mutex
	w     map[string]*window
	calls int
	now   func() time.Time
}

// New returns an empty limiter.
func New() *Memory {
	return &Memory{w: make(map[string]*window), now: time.Now}
}

// Allow implements ratelimit.Limiter.
func (m *Memory) Allow(_ context.Context, key string, limit int, win time.Duration) (bool, error) {
	m.l.Lock()
	defer m.l.Unlock()

	now := m.now()

	m.calls++
	if m.calls%sweepEvery == 0 {
		for k, w := range m.w {
			if !now.Before(w.expiresAt) {
				delete(m.w, k)
			}
		}
	}

	w, ok := m.w[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(win)}
		m.w[key] = w
	}

	w.count++

	return w.count <= limit, nil
}

// Close implements ratelimit.Limiter.
func (m *Memory) Close() error {
	return nil
}
