package gateway

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tarancss/ledgerfeed/lib/ledger/types"
)

// registry indexes the open sessions by their interests.
type registry struct {
	l        sync.RWMutex
	sessions map[string]*session
	byAddr   map[string]mapset.Set[*session]
	ledger   mapset.Set[*session]
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[string]*session),
		byAddr:   make(map[string]mapset.Set[*session]),
		ledger:   mapset.NewThreadUnsafeSet[*session](),
	}
}

func (r *registry) add(s *session) {
	r.l.Lock()
	r.sessions[s.id] = s
	r.l.Unlock()
}

// remove drops s from every index.
func (r *registry) remove(s *session, address string) {
	r.l.Lock()
	defer r.l.Unlock()

	delete(r.sessions, s.id)
	r.ledger.Remove(s)
	r.unindex(s, address)
}

// setAddress moves s from the index of old to the one of address.
func (r *registry) setAddress(s *session, old, address string) {
	r.l.Lock()
	defer r.l.Unlock()

	r.unindex(s, old)

	if address == "" {
		return
	}

	set, ok := r.byAddr[address]
	if !ok {
		set = mapset.NewThreadUnsafeSet[*session]()
		r.byAddr[address] = set
	}

	set.Add(s)
}

func (r *registry) unindex(s *session, address string) {
	set, ok := r.byAddr[address]
	if !ok {
		return
	}

	set.Remove(s)

	if set.Cardinality() == 0 {
		delete(r.byAddr, address)
	}
}

func (r *registry) setLedger(s *session, on bool) {
	r.l.Lock()
	defer r.l.Unlock()

	if on {
		r.ledger.Add(s)
	} else {
		r.ledger.Remove(s)
	}
}

// targets returns the sessions ev must be delivered to. A session watches a single address, so no session is
// returned twice.
func (r *registry) targets(ev types.Event) []*session {
	r.l.RLock()
	defer r.l.RUnlock()

	switch ev.Kind {
	case types.KindBlock:
		return r.ledger.ToSlice()
	case types.KindTx:
		var res []*session

		for _, a := range ev.Tx.Addresses() {
			if set, ok := r.byAddr[a]; ok {
				res = append(res, set.ToSlice()...)
			}
		}

		return res
	default:
		return nil
	}
}

func (r *registry) count() int {
	r.l.RLock()
	defer r.l.RUnlock()

	return len(r.sessions)
}

func (r *registry) all() []*session {
	r.l.RLock()
	defer r.l.RUnlock()

	res := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		res = append(res, s)
	}

	return res
}
