// Package msg defines the broadcast bus distributing normalized events to every ledgerfeed process hosting client
// sessions, and the msgpack encoding of the events on the wire.
package msg

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
)

// ContentType of encoded events.
const ContentType = "application/msgpack"

// ErrClosed is returned when using a closed bus.
var ErrClosed = errors.New("msg: bus closed")

// Bus is a named publish/subscribe channel. Delivery is at-most-once and there is no ordering guarantee between
// subscribers in different processes.
type Bus interface {
	Publish(ctx context.Context, ev types.Event) error
	// Subscribe returns the events published from now on. The channel is closed when ctx is done or the bus is
	// closed.
	Subscribe(ctx context.Context) (<-chan types.Event, error)
	Close() error
}

type wireTx struct {
	Network     string   `msgpack:"net"`
	Hash        string   `msgpack:"hash"`
	LedgerIndex uint64   `msgpack:"idx"`
	Validated   bool     `msgpack:"val"`
	Result      string   `msgpack:"res"`
	Affected    []string `msgpack:"aff"`
	Payload     []byte   `msgpack:"pl"`
}

type wireEvent struct {
	Kind  types.Kind         `msgpack:"k"`
	Block *types.BlockClosed `msgpack:"b,omitempty"`
	Tx    *wireTx            `msgpack:"t,omitempty"`
}

// Encode serializes ev.
func Encode(ev types.Event) ([]byte, error) {
	w := wireEvent{Kind: ev.Kind}

	switch ev.Kind {
	case types.KindBlock:
		w.Block = ev.Block
	case types.KindTx:
		w.Tx = &wireTx{
			Network:     ev.Tx.Network,
			Hash:        ev.Tx.Hash,
			LedgerIndex: ev.Tx.LedgerIndex,
			Validated:   ev.Tx.Validated,
			Result:      ev.Tx.Result,
			Affected:    ev.Tx.Addresses(),
			Payload:     ev.Tx.Payload,
		}
	default:
		return nil, fmt.Errorf("msg: cannot encode event kind %d", ev.Kind)
	}

	return msgpack.Marshal(&w)
}

// Decode deserializes an event produced by Encode.
func Decode(b []byte) (types.Event, error) {
	var w wireEvent
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return types.Event{}, fmt.Errorf("msg: cannot decode event: %w", err)
	}

	switch {
	case w.Kind == types.KindBlock && w.Block != nil:
		return types.NewBlockEvent(w.Block), nil
	case w.Kind == types.KindTx && w.Tx != nil:
		return types.NewTxEvent(&types.AccountTransaction{
			Network:     w.Tx.Network,
			Hash:        w.Tx.Hash,
			LedgerIndex: w.Tx.LedgerIndex,
			Validated:   w.Tx.Validated,
			Result:      w.Tx.Result,
			Affected:    mapset.NewThreadUnsafeSet(w.Tx.Affected...),
			Payload:     w.Tx.Payload,
		}), nil
	default:
		return types.Event{}, fmt.Errorf("msg: event kind %d without body", w.Kind)
	}
}
