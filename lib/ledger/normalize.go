package ledger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
)

// Upstream push message types.
const (
	msgLedgerClosed = "ledgerClosed"
	msgTransaction  = "transaction"
	msgResponse     = "response"
)

// rippleEpoch is 2000-01-01T00:00:00Z, the origin of ledger close times.
const rippleEpoch = 946684800

var addrRe = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)

// ValidAddress reports whether a is a well formed classic account address.
func ValidAddress(a string) bool {
	return addrRe.MatchString(a)
}

// envelope holds the fields used to route a message before decoding it fully.
type envelope struct {
	Type string  `json:"type"`
	ID   *uint64 `json:"id"`
}

type ledgerClosedMsg struct {
	LedgerIndex uint64 `json:"ledger_index"`
	LedgerHash  string `json:"ledger_hash"`
	LedgerTime  int64  `json:"ledger_time"`
	TxnCount    int    `json:"txn_count"`
}

type transactionMsg struct {
	Transaction  map[string]interface{} `json:"transaction"`
	TxJSON       map[string]interface{} `json:"tx_json"` // API v2
	Hash         string                 `json:"hash"`
	LedgerIndex  uint64                 `json:"ledger_index"`
	EngineResult string                 `json:"engine_result"`
	Validated    bool                   `json:"validated"`
	Meta         *struct {
		AffectedNodes []map[string]struct {
			FinalFields    map[string]interface{} `json:"FinalFields"`
			NewFields      map[string]interface{} `json:"NewFields"`
			PreviousFields map[string]interface{} `json:"PreviousFields"`
		} `json:"AffectedNodes"`
	} `json:"meta"`
}

// fields of ledger entries that reference accounts
var (
	accountFields = []string{"Account", "Destination", "Owner", "Issuer"}
	limitFields   = []string{"HighLimit", "LowLimit"}
)

// Normalize converts a raw push message from network into an event. Messages that are not ledgerClosed or
// transaction notifications return ErrUnknownType; undecodable ones return ErrMalformed.
func Normalize(network string, raw []byte) (types.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.Event{}, fmt.Errorf("%w: %v", types.ErrMalformed, err)
	}

	switch env.Type {
	case msgLedgerClosed:
		b, err := normalizeLedger(network, raw)
		if err != nil {
			return types.Event{}, err
		}

		return types.NewBlockEvent(b), nil
	case msgTransaction:
		t, err := normalizeTx(network, raw)
		if err != nil {
			return types.Event{}, err
		}

		return types.NewTxEvent(t), nil
	default:
		return types.Event{}, fmt.Errorf("%w: %q", types.ErrUnknownType, env.Type)
	}
}

func normalizeLedger(network string, raw []byte) (*types.BlockClosed, error) {
	var m ledgerClosedMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformed, err)
	}

	if m.LedgerIndex == 0 {
		return nil, fmt.Errorf("%w: %w", types.ErrMalformed, types.ErrNoLedgerIndex)
	}

	return &types.BlockClosed{
		Network:   network,
		Index:     m.LedgerIndex,
		Hash:      m.LedgerHash,
		TxCount:   m.TxnCount,
		CloseTime: closeTime(m.LedgerTime),
	}, nil
}

func normalizeTx(network string, raw []byte) (*types.AccountTransaction, error) {
	var m transactionMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformed, err)
	}

	tx := m.Transaction
	if tx == nil {
		tx = m.TxJSON
	}

	account, _ := tx["Account"].(string)
	if account == "" {
		return nil, fmt.Errorf("%w: %w", types.ErrMalformed, types.ErrNoAccount)
	}

	hash, _ := tx["hash"].(string)
	if hash == "" {
		hash = m.Hash
	}

	if hash == "" {
		return nil, fmt.Errorf("%w: %w", types.ErrMalformed, types.ErrNoHash)
	}

	affected := mapset.NewThreadUnsafeSet[string](account)
	if dst, ok := tx["Destination"].(string); ok && dst != "" {
		affected.Add(dst)
	}

	if m.Meta != nil {
		for _, node := range m.Meta.AffectedNodes {
			// each entry holds exactly one of ModifiedNode, CreatedNode or DeletedNode
			for _, n := range node {
				addAccounts(affected, n.FinalFields)
				addAccounts(affected, n.NewFields)
				addAccounts(affected, n.PreviousFields)
			}
		}
	}

	return &types.AccountTransaction{
		Network:     network,
		Hash:        hash,
		LedgerIndex: m.LedgerIndex,
		Validated:   m.Validated,
		Result:      m.EngineResult,
		Affected:    affected,
		Payload:     json.RawMessage(raw),
	}, nil
}

func addAccounts(s mapset.Set[string], fields map[string]interface{}) {
	for _, f := range accountFields {
		if a, ok := fields[f].(string); ok && ValidAddress(a) {
			s.Add(a)
		}
	}

	for _, f := range limitFields {
		if l, ok := fields[f].(map[string]interface{}); ok {
			if a, ok := l["issuer"].(string); ok && ValidAddress(a) {
				s.Add(a)
			}
		}
	}
}

func closeTime(t int64) time.Time {
	if t == 0 {
		return time.Time{}
	}

	return time.Unix(t+rippleEpoch, 0).UTC()
}
