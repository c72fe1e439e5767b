// Package ratelimit defines the fixed-window rate limiter applied to REST requests and client session commands.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/metrics"
)

// Limiter counts operations per identity key in fixed windows. The first call in a fresh window sets the count to 1
// and starts the window; later calls increment the count. Over-limit calls are still counted.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Close() error
}

// Guarded applies a timeout to the backend and fails open: when the backend errors or times out the call is allowed.
// Keeping the service available is preferred over strict enforcement while the backend is down.
type Guarded struct {
	l       Limiter
	timeout time.Duration
	log     *zap.Logger
}

// NewGuarded wraps l.
func NewGuarded(l Limiter, timeout time.Duration, log *zap.Logger) *Guarded {
	return &Guarded{l: l, timeout: timeout, log: log}
}

// Allow reports whether the operation identified by key is within limit for the current window.
func (g *Guarded) Allow(ctx context.Context, key string, limit int, window time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ok, err := g.l.Allow(ctx, key, limit, window)
	if err != nil {
		metrics.BackendErrors.WithLabelValues("ratelimit").Inc()
		g.log.Warn("rate limiter backend failed, allowing", zap.String("key", key), zap.Error(err))

		return true
	}

	return ok
}

// Close closes the backend.
func (g *Guarded) Close() error {
	return g.l.Close()
}
