package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
	"github.com/tarancss/ledgerfeed/lib/metrics"
)

// Upstream commands.
const (
	cmdSubscribe   = "subscribe"
	cmdUnsubscribe = "unsubscribe"
	cmdAccountInfo = "account_info"
	cmdLedger      = "ledger"
)

// request is the upstream command format, unused fields are omitted.
type request struct {
	ID          uint64   `json:"id"`
	Command     string   `json:"command"`
	Streams     []string `json:"streams,omitempty"`
	Accounts    []string `json:"accounts,omitempty"`
	Account     string   `json:"account,omitempty"`
	LedgerIndex string   `json:"ledger_index,omitempty"`
}

// response to a request carrying an id.
type response struct {
	ID           uint64          `json:"id"`
	Status       string          `json:"status"`
	Error        string          `json:"error"`
	ErrorMessage string          `json:"error_message"`
	Result       json.RawMessage `json:"result"`
}

func (r *response) err() error {
	if r.Status == "success" {
		return nil
	}

	if r.Error == "actNotFound" {
		return types.ErrAccountUnknown
	}

	msg := r.Error
	if r.ErrorMessage != "" {
		msg += ": " + r.ErrorMessage
	}

	return fmt.Errorf("%w: %s", types.ErrRemote, msg)
}

// subscription builds the (un)subscribe request of a key.
func subscription(command, key string) request {
	r := request{Command: command}
	if key == types.LedgerKey {
		r.Streams = []string{types.LedgerKey}
	} else {
		r.Accounts = []string{key}
	}

	return r
}

// flexUint accepts both numbers and numeric strings, the ledger uses either depending on the field and API version.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}

		b = []byte(s)
	}

	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return err
	}

	*f = flexUint(v)

	return nil
}

// Subscribe asks the ledger to push events for key. The response is not awaited; failures are logged by the reader.
func (m *Manager) Subscribe(ctx context.Context, key string) error {
	return m.send(ctx, subscription(cmdSubscribe, key))
}

// Unsubscribe stops the pushes for key.
func (m *Manager) Unsubscribe(ctx context.Context, key string) error {
	return m.send(ctx, subscription(cmdUnsubscribe, key))
}

// AccountInfo queries the validated balance of addr.
func (m *Manager) AccountInfo(ctx context.Context, addr string) (types.Balance, error) {
	var res struct {
		AccountData struct {
			Balance  string   `json:"Balance"`
			Sequence flexUint `json:"Sequence"`
		} `json:"account_data"`
		LedgerIndex flexUint `json:"ledger_index"`
	}

	network, err := m.call(ctx, request{Command: cmdAccountInfo, Account: addr, LedgerIndex: "validated"}, &res)
	if err != nil {
		return types.Balance{}, err
	}

	return types.Balance{
		Network:     network,
		Address:     addr,
		Balance:     res.AccountData.Balance,
		Sequence:    uint64(res.AccountData.Sequence),
		LedgerIndex: uint64(res.LedgerIndex),
	}, nil
}

// LedgerInfo queries the latest validated ledger.
func (m *Manager) LedgerInfo(ctx context.Context) (types.LedgerInfo, error) {
	var res struct {
		Ledger struct {
			CloseTime int64 `json:"close_time"`
		} `json:"ledger"`
		LedgerHash  string   `json:"ledger_hash"`
		LedgerIndex flexUint `json:"ledger_index"`
	}

	network, err := m.call(ctx, request{Command: cmdLedger, LedgerIndex: "validated"}, &res)
	if err != nil {
		return types.LedgerInfo{}, err
	}

	return types.LedgerInfo{
		Network:   network,
		Index:     uint64(res.LedgerIndex),
		Hash:      res.LedgerHash,
		CloseTime: closeTime(res.Ledger.CloseTime),
	}, nil
}

// send writes req without waiting for its response.
func (m *Manager) send(ctx context.Context, req request) error {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()

		return types.ErrNotConnected
	}
	m.nextID++
	req.ID = m.nextID
	m.mu.Unlock()

	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	metrics.UpstreamRequests.WithLabelValues(req.Command).Inc()

	return conn.Write(ctx, b)
}

// call writes req and decodes the result of its response into v. It returns the network that answered.
func (m *Manager) call(ctx context.Context, req request, v interface{}) (string, error) {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()

		return "", types.ErrNotConnected
	}
	m.nextID++
	req.ID = m.nextID
	ch := make(chan *response, 1)
	m.pending[req.ID] = ch
	network := m.network
	m.mu.Unlock()

	forget := func() {
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
	}

	b, err := json.Marshal(req)
	if err != nil {
		forget()

		return "", err
	}

	metrics.UpstreamRequests.WithLabelValues(req.Command).Inc()

	start := time.Now()
	if err = conn.Write(ctx, b); err != nil {
		forget()

		return "", err
	}

	select {
	case <-ctx.Done():
		forget()

		return "", ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return "", types.ErrConnectionLost
		}

		m.log.Debug("upstream response", zap.String("command", req.Command), zap.Uint64("id", req.ID),
			zap.Duration("took", time.Since(start)))

		if err = res.err(); err != nil {
			return "", err
		}

		if err = json.Unmarshal(res.Result, v); err != nil {
			return "", fmt.Errorf("%w: %v", types.ErrMalformed, err)
		}

		return network, nil
	}
}

// resolve hands a response to the caller waiting for it. Responses nobody waits for are subscription results, only
// their failures are worth a log line.
func (m *Manager) resolve(raw []byte) {
	var res response
	if err := json.Unmarshal(raw, &res); err != nil {
		m.log.Warn("malformed upstream response", zap.Error(err))

		return
	}

	m.mu.Lock()
	ch, ok := m.pending[res.ID]
	delete(m.pending, res.ID)
	m.mu.Unlock()

	if ok {
		ch <- &res

		return
	}

	if err := res.err(); err != nil {
		m.log.Warn("upstream request failed", zap.Uint64("id", res.ID), zap.Error(err))
	}
}

// failPending closes every pending call. Must be called with m.mu held.
func (m *Manager) failPending() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}
