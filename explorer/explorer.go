// Package explorer implements the normalizer pipeline. The explorer consumes the messages pushed by the ledger,
// normalizes them, invalidates the cached state they make stale and publishes them on the broadcast bus. It also owns
// the addresses watched administratively and the cached reads of balances and ledgers.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	ne "github.com/tarancss/ledgerfeed/explorer/netexplorer"
	"github.com/tarancss/ledgerfeed/lib/cache"
	"github.com/tarancss/ledgerfeed/lib/config"
	"github.com/tarancss/ledgerfeed/lib/ledger"
	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/metrics"
	"github.com/tarancss/ledgerfeed/lib/msg"
	"github.com/tarancss/ledgerfeed/lib/store"
)

const defaultMaxLedgers = 16

// Ledger is the upstream side used by the explorer, implemented by *ledger.Manager.
type Ledger interface {
	Notifications() <-chan ledger.Notification
	AccountInfo(ctx context.Context, addr string) (types.Balance, error)
	LedgerInfo(ctx context.Context) (types.LedgerInfo, error)
}

// Subscriptions is implemented by *multiplex.Multiplexer.
type Subscriptions interface {
	Acquire(ctx context.Context, key string)
	Release(ctx context.Context, key string) error
}

// Options of an explorer.
type Options struct {
	Network  string                 // network the watched addresses belong to
	Networks []config.NetworkConfig // cursor ring sizes
	CacheTTL time.Duration
	Timeout  time.Duration // bound of every store and bus round-trip
}

// Explorer implements the explorer service.
type Explorer struct {
	log   *zap.Logger
	lg    Ledger
	subs  Subscriptions
	cache *cache.Guarded
	fills *fills
	bus   msg.Bus
	db    store.DB
	opts  Options

	l   sync.Mutex
	nem map[string]*ne.NetExplorer // map of net explorers
}

// New instantiates a new explorer service.
func New(lg Ledger, subs Subscriptions, c *cache.Guarded, bus msg.Bus, db store.DB, opts Options,
	log *zap.Logger,
) *Explorer {
	return &Explorer{
		log:   log,
		lg:    lg,
		subs:  subs,
		cache: c,
		fills: newFills(c),
		bus:   bus,
		db:    db,
		opts:  opts,
		nem:   make(map[string]*ne.NetExplorer),
	}
}

// Start takes the permanent reference on the ledger stream and acquires every watched address stored for the
// explorer's network.
func (e *Explorer) Start(ctx context.Context) error {
	e.subs.Acquire(ctx, types.LedgerKey)

	sctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	addrs, err := e.db.GetAddresses(sctx, []string{e.opts.Network})
	cancel()

	if err != nil {
		return fmt.Errorf("explorer: cannot load watched addresses: %w", err)
	}

	nexp, err := e.explorer(ctx, e.opts.Network, addrs)
	if err != nil {
		return fmt.Errorf("explorer: cannot load cursor: %w", err)
	}

	watched := nexp.Watched()
	for _, a := range watched {
		e.subs.Acquire(ctx, a)
	}

	last, _ := nexp.Last()
	e.log.Info("explorer started", zap.String("network", e.opts.Network), zap.Uint64("ledger", last),
		zap.Int("watched", len(watched)))

	return nil
}

// Run consumes the ledger notifications until ctx is done. Cursors are saved on return.
func (e *Explorer) Run(ctx context.Context) {
	defer e.saveAll()

	notif := e.lg.Notifications()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notif:
			e.handle(ctx, n)
		}
	}
}

// handle normalizes one push message, invalidates what it makes stale and publishes it.
func (e *Explorer) handle(ctx context.Context, n ledger.Notification) {
	ev, err := ledger.Normalize(n.Network, n.Raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, types.ErrUnknownType) {
			reason = "unknown_type"
		}

		metrics.EventsDropped.WithLabelValues(reason).Inc()
		e.log.Warn("dropping upstream message", zap.String("network", n.Network), zap.Error(err))

		return
	}

	// stale state must be gone before anybody hears about the event
	switch ev.Kind {
	case types.KindTx:
		for _, a := range ev.Tx.Addresses() {
			e.fills.invalidate(ctx, cache.BalanceKey(a))
		}
	case types.KindBlock:
		e.fills.invalidate(ctx, cache.LedgerKey)
		e.advance(ctx, ev.Block)
	}

	pctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	if err = e.bus.Publish(pctx, ev); err != nil {
		metrics.BackendErrors.WithLabelValues("bus").Inc()
		e.log.Error("cannot publish event", zap.String("event", ev.ID()), zap.Error(err))

		return
	}

	metrics.EventsNormalized.WithLabelValues(ev.Kind.String()).Inc()
}

// advance moves the cursor of the block network.
func (e *Explorer) advance(ctx context.Context, b *types.BlockClosed) {
	nexp, err := e.explorer(ctx, b.Network, nil)
	if err != nil {
		e.log.Error("cannot load cursor", zap.String("network", b.Network), zap.Error(err))

		return
	}

	last, _ := nexp.Last()

	switch nexp.Sync(b.Index) {
	case ne.Stale:
		e.log.Debug("ledger already explored", zap.String("network", b.Network), zap.Uint64("ledger", b.Index),
			zap.Bool("seen", nexp.Seen(b.Hash)))

		return
	case ne.Gap:
		e.log.Warn("ledgers missed", zap.String("network", b.Network), zap.Uint64("from", last+1),
			zap.Uint64("to", b.Index-1))
	}

	nexp.UpdateChain(b.Index, b.Hash)
	metrics.CurrentLedger.Set(float64(b.Index))

	sctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	if err = e.db.SaveExplorer(sctx, b.Network, nexp.ToStore()); err != nil {
		metrics.BackendErrors.WithLabelValues("store").Inc()
		e.log.Warn("cannot save cursor", zap.String("network", b.Network), zap.Error(err))
	}
}

// explorer returns the net explorer of net, loading it on first use.
func (e *Explorer) explorer(ctx context.Context, net string, addrs []store.ListenedAddresses) (*ne.NetExplorer,
	error,
) {
	e.l.Lock()
	defer e.l.Unlock()

	if nexp, ok := e.nem[net]; ok {
		return nexp, nil
	}

	max := defaultMaxLedgers

	for _, n := range e.opts.Networks {
		if n.Name == net && n.MaxLedgers > 0 {
			max = n.MaxLedgers
		}
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	nexp, err := ne.New(sctx, net, max, addrs, e.db)
	if err != nil {
		return nil, err
	}

	e.nem[net] = nexp

	return nexp, nil
}

func (e *Explorer) saveAll() {
	e.l.Lock()
	defer e.l.Unlock()

	for net, nexp := range e.nem {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
		if err := e.db.SaveExplorer(ctx, net, nexp.ToStore()); err != nil {
			e.log.Warn("cannot save cursor", zap.String("network", net), zap.Error(err))
		}
		cancel()
	}
}

// Watch persists addr as watched and acquires its subscription. Watching an address twice is a no-op.
func (e *Explorer) Watch(ctx context.Context, addr string) error {
	if !ledger.ValidAddress(addr) {
		return types.ErrBadAddress
	}

	nexp, err := e.explorer(ctx, e.opts.Network, nil)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	_, err = e.db.AddAddress(sctx, store.Address{Addr: addr}, e.opts.Network)
	cancel()

	if err != nil {
		return err
	}

	if nexp.Add(addr) {
		e.subs.Acquire(ctx, addr)
		e.log.Info("watching address", zap.String("address", addr))
	}

	return nil
}

// Unwatch removes addr from the watched addresses and releases its subscription.
func (e *Explorer) Unwatch(ctx context.Context, addr string) error {
	nexp, err := e.explorer(ctx, e.opts.Network, nil)
	if err != nil {
		return err
	}

	if !nexp.Del(addr) {
		return store.ErrAddrNotFound
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	err = e.db.RemoveAddress(sctx, store.Address{Addr: addr}, e.opts.Network)
	cancel()

	if err != nil {
		e.log.Warn("cannot remove watched address from store", zap.String("address", addr), zap.Error(err))
	}

	e.log.Info("stopped watching address", zap.String("address", addr))

	return e.subs.Release(ctx, addr)
}

// Watched returns the watched addresses.
func (e *Explorer) Watched(ctx context.Context) ([]string, error) {
	nexp, err := e.explorer(ctx, e.opts.Network, nil)
	if err != nil {
		return nil, err
	}

	return nexp.Watched(), nil
}

// LastLedger returns the last ledger explored on net, zero when none.
func (e *Explorer) LastLedger(net string) uint64 {
	e.l.Lock()
	nexp, ok := e.nem[net]
	e.l.Unlock()

	if !ok {
		return 0
	}

	last, _ := nexp.Last()

	return last
}

// ResetCursor forgets the ledgers explored on net, both stored and in memory. The next closed ledger starts a new
// cursor without reporting a gap. Watched addresses are kept.
func (e *Explorer) ResetCursor(ctx context.Context, net string) error {
	sctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	e.l.Lock()
	defer e.l.Unlock()

	if err := e.db.DeleteExplorer(sctx, net); err != nil {
		return fmt.Errorf("cannot delete cursor of %s: %w", net, err)
	}

	if nexp, ok := e.nem[net]; ok {
		nexp.FromStore(store.Cursor{})
	}

	e.log.Info("cursor reset", zap.String("network", net))

	return nil
}

// Balance returns the balance of addr, from cache when present. The bool reports a cache hit.
func (e *Explorer) Balance(ctx context.Context, addr string) (types.Balance, bool, error) {
	var b types.Balance

	if !ledger.ValidAddress(addr) {
		return b, false, types.ErrBadAddress
	}

	key := cache.BalanceKey(addr)
	if v, ok := e.cache.Get(ctx, key); ok {
		if err := json.Unmarshal(v, &b); err == nil {
			return b, true, nil
		}

		e.cache.Invalidate(ctx, key)
	}

	epoch := e.fills.begin(key)

	b, err := e.lg.AccountInfo(ctx, addr)

	var v []byte
	if err == nil {
		v, _ = json.Marshal(b)
	}

	// a transaction of addr handled meanwhile makes b older than the cache may hold
	e.fills.end(ctx, key, epoch, v, e.opts.CacheTTL)

	return b, false, err
}

// Ledger returns the latest validated ledger, from cache when present. The bool reports a cache hit.
func (e *Explorer) Ledger(ctx context.Context) (types.LedgerInfo, bool, error) {
	var li types.LedgerInfo

	if v, ok := e.cache.Get(ctx, cache.LedgerKey); ok {
		if err := json.Unmarshal(v, &li); err == nil {
			return li, true, nil
		}

		e.cache.Invalidate(ctx, cache.LedgerKey)
	}

	epoch := e.fills.begin(cache.LedgerKey)

	li, err := e.lg.LedgerInfo(ctx)

	var v []byte
	if err == nil {
		v, _ = json.Marshal(li)
	}

	e.fills.end(ctx, cache.LedgerKey, epoch, v, e.opts.CacheTTL)

	return li, false, err
}
