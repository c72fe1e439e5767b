// Package memory implements an in-process cache. Expired entries are dropped lazily on read.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tarancss/ledgerfeed/lib/cache"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a mutex protected map of entries.
type Memory struct {
	l   sync.Mutex
	m   map[string]entry
	now func() time.Time
}

// New returns an empty cache.
func New() *Memory {
	return &Memory{m: make(map[string]entry), now: time.Now}
}

// Get implements cache.Cache.
func (c *Memory) Get(_ context.Context, key string) ([]byte, error) {
	c.l.Lock()
	defer c.l.Unlock()

	e, ok := c.m[key]
	if !ok {
		return nil, cache.ErrMiss
	}

	if !c.now().Before(e.expiresAt) {
		delete(c.m, key)

		return nil, cache.ErrMiss
	}

	return e.value, nil
}

// Put implements cache.Cache.
func (c *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	c.l.Lock()
	c.m[key] = entry{value: v, expiresAt: c.now().Add(ttl)}
	c.l.Unlock()

	return nil
}

// Invalidate implements cache.Cache.
func (c *Memory) Invalidate(_ context.Context, key string) error {
	c.l.Lock()
	delete(c.m, key)
	c.l.Unlock()

	return nil
}

// Close implements cache.Cache.
func (c *Memory) Close() error {
	return nil
}
