package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
)

const addrIssuer = "rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B"

// a payment rippling through a trust line: the issuer only shows up in the metadata
const paymentMsg = `{
  "type": "transaction",
  "engine_result": "tesSUCCESS",
  "ledger_index": 81234569,
  "validated": true,
  "transaction": {
    "Account": "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe",
    "Destination": "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh",
    "TransactionType": "Payment",
    "hash": "C53ECF838647FA5A4C780377025FEC7999AB4182590510CA461444B207AB74A9"
  },
  "meta": {
    "AffectedNodes": [
      {"ModifiedNode": {"LedgerEntryType": "AccountRoot",
        "FinalFields": {"Account": "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe", "Balance": "99"},
        "PreviousFields": {"Balance": "100"}}},
      {"ModifiedNode": {"LedgerEntryType": "RippleState",
        "FinalFields": {
          "HighLimit": {"currency": "USD", "issuer": "rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B", "value": "0"},
          "LowLimit": {"currency": "USD", "issuer": "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh", "value": "100"}}}},
      {"CreatedNode": {"LedgerEntryType": "Offer",
        "NewFields": {"Account": "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe", "Owner": "not-an-address"}}},
      {"DeletedNode": {"LedgerEntryType": "Check",
        "FinalFields": {"Account": "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe", "Destination": "rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B"}}}
    ],
    "TransactionResult": "tesSUCCESS"
  }
}`

func TestNormalizeLedgerClosed(t *testing.T) {
	ev, err := Normalize("test", []byte(`{"type":"ledgerClosed","ledger_index":81234568,"ledger_hash":"EF01","ledger_time":750000004,"txn_count":3}`))
	require.NoError(t, err)
	require.Equal(t, types.KindBlock, ev.Kind)
	require.Nil(t, ev.Tx)

	assert.Equal(t, &types.BlockClosed{
		Network:   "test",
		Index:     81234568,
		Hash:      "EF01",
		TxCount:   3,
		CloseTime: time.Date(2023, time.October, 7, 13, 20, 4, 0, time.UTC),
	}, ev.Block)
	assert.Equal(t, "test:ledger:81234568", ev.ID())
}

func TestNormalizeTransaction(t *testing.T) {
	ev, err := Normalize("test", []byte(paymentMsg))
	require.NoError(t, err)
	require.Equal(t, types.KindTx, ev.Kind)

	tx := ev.Tx
	assert.Equal(t, "C53ECF838647FA5A4C780377025FEC7999AB4182590510CA461444B207AB74A9", tx.Hash)
	assert.Equal(t, uint64(81234569), tx.LedgerIndex)
	assert.True(t, tx.Validated)
	assert.Equal(t, "tesSUCCESS", tx.Result)
	assert.ElementsMatch(t, []string{addrA, addrB, addrIssuer}, tx.Addresses())
	assert.True(t, tx.Affected.Contains(addrIssuer))
	assert.JSONEq(t, paymentMsg, string(tx.Payload))

	b, err := json.Marshal(tx)
	require.NoError(t, err)

	var back types.AccountTransaction
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.Affected.Equal(tx.Affected))
}

func TestNormalizeTxJSON(t *testing.T) {
	ev, err := Normalize("test", []byte(`{"type":"transaction","hash":"AA","ledger_index":5,"validated":true,
		"tx_json":{"Account":"rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe","TransactionType":"AccountSet"}}`))
	require.NoError(t, err)
	assert.Equal(t, "AA", ev.Tx.Hash)
	assert.Equal(t, []string{addrA}, ev.Tx.Addresses())
}

func TestNormalizeErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		err  error
	}{
		{"not json", `{"type":`, types.ErrMalformed},
		{"unknown type", `{"type":"validationReceived"}`, types.ErrUnknownType},
		{"ledger without index", `{"type":"ledgerClosed","ledger_hash":"AA"}`, types.ErrNoLedgerIndex},
		{"ledger bad field", `{"type":"ledgerClosed","ledger_index":"x"}`, types.ErrMalformed},
		{"tx without account", `{"type":"transaction","transaction":{"hash":"AA"}}`, types.ErrNoAccount},
		{"tx without hash", `{"type":"transaction","transaction":{"Account":"rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"}}`, types.ErrNoHash},
		{"tx bad meta", `{"type":"transaction","transaction":{"Account":"r","hash":"AA"},"meta":{"AffectedNodes":3}}`, types.ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize("test", []byte(tc.raw))
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress(addrA))
	assert.False(t, ValidAddress("rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAY0"))
	assert.False(t, ValidAddress("0x52908400098527886E0F7030069857D2E4169EE7"))
	assert.False(t, ValidAddress(""))
}
