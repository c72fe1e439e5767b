// Package gateway implements the client facing side of ledgerfeed.
//
// Clients open a websocket stream on /ws and subscribe to the ledger stream and to one wallet address; the gateway
// consumes the broadcast bus and delivers every event only to the sessions interested in it. A RESTful API exposes
// the administrative operations: connecting the ledger, watching addresses and reporting the service status.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/config"
	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/metrics"
	"github.com/tarancss/ledgerfeed/lib/msg"
	"github.com/tarancss/ledgerfeed/lib/ratelimit"
)

const (
	defaultDedupSize = 4096
	commandTimeout   = 5 * time.Second
)

// Connection is the administrative side of the ledger connection, implemented by *ledger.Manager.
type Connection interface {
	Connect(network string) error
	Disconnect()
	State() types.State
	Network() string
	Attempts() int
	Networks() []string
}

// Subscriptions is implemented by *multiplex.Multiplexer.
type Subscriptions interface {
	Acquire(ctx context.Context, key string)
	Release(ctx context.Context, key string) error
	Keys() []string
}

// Explorer is implemented by *explorer.Explorer.
type Explorer interface {
	Watch(ctx context.Context, addr string) error
	Unwatch(ctx context.Context, addr string) error
	Watched(ctx context.Context) ([]string, error)
	Balance(ctx context.Context, addr string) (types.Balance, bool, error)
	Ledger(ctx context.Context) (types.LedgerInfo, bool, error)
	LastLedger(net string) uint64
	ResetCursor(ctx context.Context, net string) error
}

// Options of a gateway.
type Options struct {
	SessionBuffer int    // events queued per session
	Overflow      string // config.DropOldest or config.Disconnect
	RateLimit     int    // requests per window, per client IP and per session
	RateWindow    time.Duration
	DedupSize     int // event ids remembered to drop duplicates
}

// Gateway contains the data necessary to deliver the service.
type Gateway struct {
	log      *zap.Logger
	conn     Connection
	subs     Subscriptions
	expl     Explorer
	bus      msg.Bus
	limiter  *ratelimit.Guarded
	opts     Options
	upgrader websocket.Upgrader
	reg      *registry
	seen     *lru.Cache[string, struct{}]

	s  *http.Server  // http server
	ss *http.Server  // https server
	sc chan struct{} // http server channel used for graceful shutdowns
}

// New returns a pointer to a new Gateway.
func New(conn Connection, subs Subscriptions, expl Explorer, bus msg.Bus, limiter *ratelimit.Guarded, opts Options,
	log *zap.Logger,
) (*Gateway, error) {
	if opts.SessionBuffer < 1 {
		opts.SessionBuffer = config.SessionBufferDefault
	}

	if opts.Overflow == "" {
		opts.Overflow = config.OverflowDefault
	}

	if opts.DedupSize < 1 {
		opts.DedupSize = defaultDedupSize
	}

	seen, err := lru.New[string, struct{}](opts.DedupSize)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		log:      log,
		conn:     conn,
		subs:     subs,
		expl:     expl,
		bus:      bus,
		limiter:  limiter,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		reg:      newRegistry(),
		seen:     seen,
		sc:       make(chan struct{}),
	}, nil
}

// Start subscribes to the broadcast bus and starts the dispatch goroutine, which runs until ctx is done or the bus
// is closed.
func (g *Gateway) Start(ctx context.Context) error {
	events, err := g.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	go func() {
		g.log.Info("start dispatching events")

		for ev := range events {
			g.dispatch(ev)
		}

		g.log.Info("stop dispatching events")
	}()

	return nil
}

// dispatch queues ev on every interested session. Enqueueing never blocks, so per-session order is the bus order.
func (g *Gateway) dispatch(ev types.Event) {
	id := ev.ID()
	if ok, _ := g.seen.ContainsOrAdd(id, struct{}{}); ok {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		g.log.Debug("dropping duplicate event", zap.String("event", id))

		return
	}

	targets := g.reg.targets(ev)
	if len(targets) == 0 {
		return
	}

	f := eventFrame(ev)

	pm, err := prepare(f)
	if err != nil {
		g.log.Error("cannot encode event", zap.String("event", id), zap.Error(err))

		return
	}

	for _, s := range targets {
		if s.enqueue(pm) {
			metrics.Deliveries.WithLabelValues(f.Type).Inc()
		}
	}
}

// release drops a reference taken by a session.
func (g *Gateway) release(ctx context.Context, key string) {
	if err := g.subs.Release(ctx, key); err != nil {
		g.log.Error("cannot release subscription", zap.String("key", key), zap.Error(err))
	}
}

// Sessions returns the number of open client sessions.
func (g *Gateway) Sessions() int {
	return g.reg.count()
}

// Stop shuts down the http servers and closes every client session.
func (g *Gateway) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{g.s, g.ss} {
		if srv == nil {
			continue
		}

		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Warn("error in http server shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}

	// hijacked websocket connections are not tracked by the servers
	for _, s := range g.reg.all() {
		s.close()
	}

	select {
	case <-g.sc:
	default:
		close(g.sc) // close server channel to indicate shutdowns have finished
	}
}
