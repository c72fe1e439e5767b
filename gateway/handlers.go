package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/store"
)

// Errors returned to client requests.
var (
	ErrBadMethod       = errors.New("bad method in request")
	ErrMissingNet      = errors.New("undefined network - missing query: ?net=<network>")
	ErrNoAddr          = errors.New("undefined address - missing in uri")
	ErrNoNet           = errors.New("network not available")
	ErrTooManyRequests = errors.New("too many requests")
	ErrUnavailable     = errors.New("ledger connection is not established")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Status is the body of the status request.
type Status struct {
	State         types.State `json:"state"`
	Network       string      `json:"network"`
	Attempts      int         `json:"attempts"`
	Subscriptions []string    `json:"subscriptions"`
	Sessions      int         `json:"sessions"`
	Ledger        uint64      `json:"ledger"`
}

// AddrBalance is the body of the address balance request.
type AddrBalance struct {
	types.Balance
	Cached bool `json:"cached"`
}

// LedgerSnapshot is the body of the ledger request.
type LedgerSnapshot struct {
	types.LedgerInfo
	Cached bool `json:"cached"`
}

// reply writes the response envelope and logs the request.
func (g *Gateway) reply(rw http.ResponseWriter, r *http.Request, status int, body interface{}, err error) {
	var res Response

	if err != nil {
		res.Error = err.Error()
	} else if body != nil {
		if res.Body, err = json.Marshal(body); err != nil {
			status = http.StatusInternalServerError
			res.Error = err.Error()
		}
	}

	g.log.Debug("httpreq", zap.String("remote", r.RemoteAddr), zap.String("method", r.Method),
		zap.String("uri", r.RequestURI), zap.Int("status", status), zap.String("error", res.Error))

	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(&res)
}

// requestContext bounds the backend round-trips of a request.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeout*time.Second)
}

// homeHandler just replies a welcome message to the client.
func (g *Gateway) homeHandler(rw http.ResponseWriter, r *http.Request) {
	g.reply(rw, r, http.StatusOK, "Hello, this is your ledger feed!", nil)
}

// healthHandler replies 200 while the ledger connection is up and 503 otherwise.
func (g *Gateway) healthHandler(rw http.ResponseWriter, r *http.Request) {
	state := g.conn.State()

	status := http.StatusOK
	if state != types.Connected {
		status = http.StatusServiceUnavailable
	}

	g.reply(rw, r, status, map[string]interface{}{"ok": status == http.StatusOK, "state": state}, nil)
}

// networksHandler replies the networks available to the service.
func (g *Gateway) networksHandler(rw http.ResponseWriter, r *http.Request) {
	nets := g.conn.Networks()
	sort.Strings(nets)

	g.reply(rw, r, http.StatusOK, nets, nil)
}

// connectHandler starts the connection to the network in the net query. The outcome of the connection is observed
// with the status request.
func (g *Gateway) connectHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	status := http.StatusAccepted

	defer func() {
		if err != nil {
			g.reply(rw, r, status, nil, err)
		} else {
			g.reply(rw, r, status, map[string]interface{}{"state": g.conn.State()}, nil)
		}
	}()

	net := r.URL.Query()["net"]
	if len(net) != 1 || net[0] == "" {
		status, err = http.StatusBadRequest, ErrMissingNet

		return
	}

	if err = g.conn.Connect(net[0]); err != nil {
		switch {
		case errors.Is(err, types.ErrUnknownNetwork):
			status, err = http.StatusBadRequest, ErrNoNet
		case errors.Is(err, types.ErrBusy):
			status = http.StatusConflict
		default:
			status = http.StatusInternalServerError
		}
	}
}

// disconnectHandler closes the ledger connection.
func (g *Gateway) disconnectHandler(rw http.ResponseWriter, r *http.Request) {
	g.conn.Disconnect()

	g.reply(rw, r, http.StatusAccepted, map[string]interface{}{"state": g.conn.State()}, nil)
}

// statusHandler replies the connection state and the active upstream subscriptions.
func (g *Gateway) statusHandler(rw http.ResponseWriter, r *http.Request) {
	network := g.conn.Network()

	g.reply(rw, r, http.StatusOK, Status{
		State:         g.conn.State(),
		Network:       network,
		Attempts:      g.conn.Attempts(),
		Subscriptions: g.subs.Keys(),
		Sessions:      g.reg.count(),
		Ledger:        g.expl.LastLedger(network),
	}, nil)
}

// ledgerStatus maps the errors of upstream reads to http statuses.
func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrBadAddress), errors.Is(err, ErrNoAddr):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrAccountUnknown):
		return http.StatusNotFound
	case errors.Is(err, types.ErrNotConnected), errors.Is(err, types.ErrConnectionLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// resetHandler deletes the ledger cursor of a network.
func (g *Gateway) resetHandler(rw http.ResponseWriter, r *http.Request) {
	net := mux.Vars(r)["net"]

	known := false

	for _, n := range g.conn.Networks() {
		if n == net {
			known = true
		}
	}

	if !known {
		g.reply(rw, r, http.StatusBadRequest, nil, ErrNoNet)

		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	if err := g.expl.ResetCursor(ctx, net); err != nil {
		g.reply(rw, r, http.StatusInternalServerError, nil, err)

		return
	}

	g.reply(rw, r, http.StatusAccepted, nil, nil)
}

// addrBalHandler replies the balance of the address requested, from cache when present.
func (g *Gateway) addrBalHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err  error
		bal  AddrBalance
		code = http.StatusOK
	)

	defer func() {
		if err != nil {
			code = ledgerStatus(err)
			if code == http.StatusServiceUnavailable {
				err = ErrUnavailable
			}

			g.reply(rw, r, code, nil, err)

			return
		}

		g.reply(rw, r, code, bal, nil)
	}()

	address, ok := mux.Vars(r)["address"]
	if !ok || address == "" {
		err = ErrNoAddr

		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	bal.Balance, bal.Cached, err = g.expl.Balance(ctx, address)
}

// ledgerHandler replies the latest validated ledger, from cache when present.
func (g *Gateway) ledgerHandler(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	var (
		snap LedgerSnapshot
		err  error
	)

	if snap.LedgerInfo, snap.Cached, err = g.expl.Ledger(ctx); err != nil {
		code := ledgerStatus(err)
		if code == http.StatusServiceUnavailable {
			err = ErrUnavailable
		}

		g.reply(rw, r, code, nil, err)

		return
	}

	g.reply(rw, r, http.StatusOK, snap, nil)
}

// listenHandler adds (POST) or removes (DELETE) an address to the watched addresses. Watched addresses keep their
// upstream subscription regardless of client sessions.
func (g *Gateway) listenHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	status := http.StatusAccepted

	defer func() {
		g.reply(rw, r, status, nil, err)
	}()

	address := mux.Vars(r)["address"]

	ctx, cancel := requestContext(r)
	defer cancel()

	switch r.Method {
	case http.MethodPost:
		err = g.expl.Watch(ctx, address)
	case http.MethodDelete:
		err = g.expl.Unwatch(ctx, address)
	default:
		status, err = http.StatusBadRequest, ErrBadMethod

		return
	}

	switch {
	case err == nil:
	case errors.Is(err, types.ErrBadAddress):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrAddrNotFound):
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
	}
}

// getAddrHandler replies the watched addresses.
func (g *Gateway) getAddrHandler(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()

	addrs, err := g.expl.Watched(ctx)
	if err != nil {
		g.reply(rw, r, http.StatusInternalServerError, nil, err)

		return
	}

	g.reply(rw, r, http.StatusOK, addrs, nil)
}
