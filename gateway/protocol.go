package gateway

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
)

// Client commands.
const (
	cmdSubscribeLedger   = "subscribe_ledger"
	cmdUnsubscribeLedger = "unsubscribe_ledger"
	cmdSubscribeWallet   = "subscribe_wallet"
	cmdUnsubscribeWallet = "unsubscribe_wallet"
	cmdPing              = "ping"
)

// Frames sent to clients.
const (
	frameConnection  = "connection"
	frameLedger      = "ledger_update"
	frameTransaction = "transaction_update"
	framePong        = "pong"
	frameError       = "error"
)

// command is a message received from a client.
type command struct {
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
}

// frame is a message sent to a client.
type frame struct {
	Type    string      `json:"type"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// connectionInfo is the data of the connection frame.
type connectionInfo struct {
	SessionID string      `json:"sessionId"`
	Network   string      `json:"network"`
	State     types.State `json:"state"`
}

// prepare encodes f once for every session it is sent to.
func prepare(f frame) (*websocket.PreparedMessage, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}

	return websocket.NewPreparedMessage(websocket.TextMessage, b)
}

// eventFrame returns the frame carrying ev.
func eventFrame(ev types.Event) frame {
	if ev.Kind == types.KindBlock {
		return frame{Type: frameLedger, Data: ev.Block}
	}

	return frame{Type: frameTransaction, Data: ev.Tx}
}
