// Package types common ledger types: connection states, normalized events and errors.
package types

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// State of the upstream ledger connection.
type State int

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

var stateNames = [...]string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECTING", "FAILED"}

// String returns the upper case name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}

	return stateNames[s]
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StateChange is emitted on every transition of the connection state machine.
type StateChange struct {
	Network  string    `json:"network"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Attempts int       `json:"attempts"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

// LedgerKey is the subscription key of the ledger stream. Any other key is an account address.
const LedgerKey = "ledger"

// Kind of a normalized event.
type Kind uint8

// Event kinds.
const (
	KindBlock Kind = iota + 1
	KindTx
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindTx:
		return "tx"
	default:
		return "unknown"
	}
}

// BlockClosed is emitted when the network closes a ledger.
type BlockClosed struct {
	Network   string    `json:"network" msgpack:"net"`
	Index     uint64    `json:"index" msgpack:"idx"`
	Hash      string    `json:"hash" msgpack:"hash"`
	TxCount   int       `json:"txCount" msgpack:"txc"`
	CloseTime time.Time `json:"closeTime" msgpack:"ct"`
}

// AccountTransaction is a transaction along with every account whose state it changed.
type AccountTransaction struct {
	Network     string
	Hash        string
	LedgerIndex uint64
	Validated   bool
	Result      string
	Affected    mapset.Set[string]
	Payload     json.RawMessage
}

// Addresses returns the affected accounts sorted.
func (t *AccountTransaction) Addresses() []string {
	if t.Affected == nil {
		return nil
	}

	a := t.Affected.ToSlice()
	sort.Strings(a)

	return a
}

type txJSON struct {
	Network     string          `json:"network"`
	Hash        string          `json:"hash"`
	LedgerIndex uint64          `json:"ledgerIndex"`
	Validated   bool            `json:"validated"`
	Result      string          `json:"result,omitempty"`
	Affected    []string        `json:"addressesAffected"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the transaction as sent to clients.
func (t *AccountTransaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(txJSON{
		Network:     t.Network,
		Hash:        t.Hash,
		LedgerIndex: t.LedgerIndex,
		Validated:   t.Validated,
		Result:      t.Result,
		Affected:    t.Addresses(),
		Payload:     t.Payload,
	})
}

// UnmarshalJSON decodes a transaction encoded by MarshalJSON.
func (t *AccountTransaction) UnmarshalJSON(b []byte) error {
	var v txJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*t = AccountTransaction{
		Network:     v.Network,
		Hash:        v.Hash,
		LedgerIndex: v.LedgerIndex,
		Validated:   v.Validated,
		Result:      v.Result,
		Affected:    mapset.NewThreadUnsafeSet(v.Affected...),
		Payload:     v.Payload,
	}

	return nil
}

// Event is a normalized event, exactly one of Block or Tx is set.
type Event struct {
	Kind  Kind
	Block *BlockClosed
	Tx    *AccountTransaction
}

// NewBlockEvent wraps b.
func NewBlockEvent(b *BlockClosed) Event {
	return Event{Kind: KindBlock, Block: b}
}

// NewTxEvent wraps t.
func NewTxEvent(t *AccountTransaction) Event {
	return Event{Kind: KindTx, Tx: t}
}

// ID identifies the event across processes.
func (e Event) ID() string {
	switch e.Kind {
	case KindBlock:
		return e.Block.Network + ":ledger:" + strconv.FormatUint(e.Block.Index, 10)
	case KindTx:
		return e.Tx.Network + ":tx:" + e.Tx.Hash
	default:
		return ""
	}
}

// Balance of an account as returned by the ledger.
type Balance struct {
	Network     string `json:"network"`
	Address     string `json:"address"`
	Balance     string `json:"balance"` // drops
	Sequence    uint64 `json:"sequence"`
	LedgerIndex uint64 `json:"ledgerIndex"`
}

// LedgerInfo is a snapshot of the latest validated ledger.
type LedgerInfo struct {
	Network   string    `json:"network"`
	Index     uint64    `json:"index"`
	Hash      string    `json:"hash"`
	TxCount   int       `json:"txCount"`
	CloseTime time.Time `json:"closeTime"`
}

// Error codes.
var (
	ErrMalformed      = errors.New("malformed upstream message")
	ErrUnknownType    = errors.New("unknown upstream message type")
	ErrNoAccount      = errors.New("transaction has no account")
	ErrNoHash         = errors.New("transaction has no hash")
	ErrNoLedgerIndex  = errors.New("ledger message has no index")
	ErrNotConnected   = errors.New("ledger connection is not established")
	ErrConnectionLost = errors.New("ledger connection lost")
	ErrBusy           = errors.New("ledger connection is active on another network")
	ErrUnknownNetwork = errors.New("network not available")
	ErrBadAddress     = errors.New("invalid account address")
	ErrRemote         = errors.New("ledger returned an error")
	ErrAccountUnknown = errors.New("account not found")
)
