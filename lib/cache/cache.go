// Package cache defines the key-value cache used for derived ledger reads (balances, ledger snapshots) and the guard
// that turns backend failures into misses.
package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/metrics"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// LedgerKey holds the snapshot of the latest validated ledger.
const LedgerKey = "ledger:latest"

// BalanceKey returns the key holding the cached balance of an account.
func BalanceKey(addr string) string {
	return "balance:" + addr
}

// Cache is a TTL key-value store. A Get after the entry TTL elapsed returns ErrMiss even when the entry was not
// purged yet. Invalidate must be visible to every process sharing the backend.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	Close() error
}

// Guarded bounds every backend round-trip with a timeout and never surfaces backend errors: failed reads are misses,
// failed writes and invalidations are logged and dropped.
type Guarded struct {
	c       Cache
	timeout time.Duration
	log     *zap.Logger
}

// NewGuarded wraps c.
func NewGuarded(c Cache, timeout time.Duration, log *zap.Logger) *Guarded {
	return &Guarded{c: c, timeout: timeout, log: log}
}

// Get returns the value and true on a hit.
func (g *Guarded) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	v, err := g.c.Get(ctx, key)
	switch {
	case err == nil:
		metrics.CacheRequests.WithLabelValues("hit").Inc()

		return v, true
	case errors.Is(err, ErrMiss):
	default:
		metrics.BackendErrors.WithLabelValues("cache").Inc()
		g.log.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
	}

	metrics.CacheRequests.WithLabelValues("miss").Inc()

	return nil, false
}

// Put stores value under key for ttl.
func (g *Guarded) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.c.Put(ctx, key, value, ttl); err != nil {
		metrics.BackendErrors.WithLabelValues("cache").Inc()
		g.log.Warn("cache put failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate removes key.
func (g *Guarded) Invalidate(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.c.Invalidate(ctx, key); err != nil {
		metrics.BackendErrors.WithLabelValues("cache").Inc()
		g.log.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// Close closes the backend.
func (g *Guarded) Close() error {
	return g.c.Close()
}
