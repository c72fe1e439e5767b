package store

// Address contains the fields for an address saved to DB.
type Address struct {
	ID   []byte `json:"id"`
	Name string `json:"name,omitempty"`
	Addr string `json:"addr"`
}

// ListenedAddresses contains the addresses watched on a network.
type ListenedAddresses struct {
	Net  string    `json:"net"`
	Addr []Address `json:"addresses"`
}

// Cursor contains the fields of the ledger cursor saved to DB.
type Cursor struct {
	Ledger uint64   `json:"ledger" bson:"ledger"`
	Hashes []string `json:"hashes" bson:"hashes"`
	Head   int      `json:"head" bson:"head"`
}
