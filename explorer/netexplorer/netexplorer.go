// Package netexplorer keeps the exploring state of one network: the last closed ledger, a ring with the hashes of
// the latest ledgers and the addresses watched administratively.
package netexplorer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/tarancss/ledgerfeed/lib/store"
)

// Sync results of a closed ledger against the cursor.
const (
	Next  = iota // ledger follows the last one, or nothing was explored yet
	Gap          // one or more ledgers were missed
	Stale        // ledger was already explored
)

// NetExplorer contains the fields and data structures required to follow the ledgers closed on a network.
type NetExplorer struct {
	l      sync.Mutex          // guards every field below
	Ledger uint64              // last ledger explored
	Hashes []string            // hashes of the latest ledgers, Hashes[Head] is the hash of Ledger
	Head   int                 // index of the last ledger's hash in Hashes
	Map    map[string]struct{} // watched addresses
}

// New loads the cursor of net from db, or returns an empty one keeping max hashes, and sets the watched addresses.
func New(ctx context.Context, net string, max int, l []store.ListenedAddresses, db store.DB) (*NetExplorer, error) {
	if max < 1 {
		max = 1
	}

	ne := &NetExplorer{Hashes: make([]string, max), Map: make(map[string]struct{})}

	s, err := db.LoadExplorer(ctx, net)
	switch {
	case err == nil:
		ne.FromStore(s)
	case errors.Is(err, store.ErrDataNotFound):
		// nothing explored yet on this network
	default:
		return nil, err
	}

	for _, la := range l {
		if la.Net != net {
			continue
		}

		for _, a := range la.Addr {
			ne.Map[a.Addr] = struct{}{}
		}
	}

	return ne, nil
}

// Sync classifies ledger index against the last explored one.
func (n *NetExplorer) Sync(index uint64) int {
	n.l.Lock()
	defer n.l.Unlock()

	switch {
	case n.Ledger == 0 || index == n.Ledger+1:
		return Next
	case index > n.Ledger+1:
		return Gap
	default:
		return Stale
	}
}

// Seen reports whether hash is one of the latest ledger hashes.
func (n *NetExplorer) Seen(hash string) bool {
	n.l.Lock()
	defer n.l.Unlock()

	for _, h := range n.Hashes {
		if h != "" && h == hash {
			return true
		}
	}

	return false
}

// UpdateChain records ledger index with hash as the last explored one.
func (n *NetExplorer) UpdateChain(index uint64, hash string) {
	n.l.Lock()
	defer n.l.Unlock()

	n.Ledger = index
	n.Head = (n.Head + 1) % len(n.Hashes)
	n.Hashes[n.Head] = hash
}

// Last returns the last explored ledger and its hash.
func (n *NetExplorer) Last() (uint64, string) {
	n.l.Lock()
	defer n.l.Unlock()

	return n.Ledger, n.Hashes[n.Head]
}

// Add watches address, reporting whether it was not watched before.
func (n *NetExplorer) Add(address string) bool {
	n.l.Lock()
	defer n.l.Unlock()

	_, ok := n.Map[address]
	n.Map[address] = struct{}{}

	return !ok
}

// Del stops watching address, reporting whether it was watched.
func (n *NetExplorer) Del(address string) bool {
	n.l.Lock()
	defer n.l.Unlock()

	_, ok := n.Map[address]
	delete(n.Map, address)

	return ok
}

// Watched returns the sorted watched addresses.
func (n *NetExplorer) Watched() []string {
	n.l.Lock()
	defer n.l.Unlock()

	r := make([]string, 0, len(n.Map))
	for a := range n.Map {
		r = append(r, a)
	}

	sort.Strings(r)

	return r
}

// ToStore returns the cursor to be saved to store.
func (n *NetExplorer) ToStore() store.Cursor {
	n.l.Lock()
	defer n.l.Unlock()

	return store.Cursor{
		Ledger: n.Ledger,
		Hashes: append([]string(nil), n.Hashes...),
		Head:   n.Head,
	}
}

// FromStore loads the cursor read from store. A ring saved with another size is restarted at its last hash.
func (n *NetExplorer) FromStore(s store.Cursor) {
	n.l.Lock()
	defer n.l.Unlock()

	n.Ledger = s.Ledger

	if len(s.Hashes) == len(n.Hashes) && s.Head >= 0 && s.Head < len(s.Hashes) {
		copy(n.Hashes, s.Hashes)
		n.Head = s.Head

		return
	}

	for i := range n.Hashes {
		n.Hashes[i] = ""
	}

	n.Head = 0

	if s.Head >= 0 && s.Head < len(s.Hashes) {
		n.Hashes[0] = s.Hashes[s.Head]
	}
}
