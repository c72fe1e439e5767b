// Package memory implements the store in process memory, used when no database is configured.
package memory

import (
	"context"
	"encoding/binary"
	"slices"
	"sort"
	"sync"

	"github.com/tarancss/ledgerfeed/lib/store"
)

// Memory keeps addresses and cursors in maps.
type Memory struct {
	l       sync.Mutex
	seq     uint64
	addrs   map[string]map[string]store.Address
	cursors map[string]store.Cursor
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		addrs:   make(map[string]map[string]store.Address),
		cursors: make(map[string]store.Cursor),
	}
}

// AddAddress saves an address if the address does not already exist and returns its id.
func (m *Memory) AddAddress(_ context.Context, a store.Address, net string) ([]byte, error) {
	m.l.Lock()
	defer m.l.Unlock()

	if m.addrs[net] == nil {
		m.addrs[net] = make(map[string]store.Address)
	}

	if old, ok := m.addrs[net][a.Addr]; ok {
		return old.ID, nil
	}

	m.seq++
	a.ID = binary.BigEndian.AppendUint64(nil, m.seq)
	m.addrs[net][a.Addr] = a

	return a.ID, nil
}

// RemoveAddress deletes an address.
func (m *Memory) RemoveAddress(_ context.Context, a store.Address, net string) error {
	m.l.Lock()
	defer m.l.Unlock()

	if _, ok := m.addrs[net][a.Addr]; !ok {
		return store.ErrAddrNotFound
	}

	delete(m.addrs[net], a.Addr)

	return nil
}

// GetAddresses returns the addresses watched on the networks in nets, or on every network when nets is empty.
func (m *Memory) GetAddresses(_ context.Context, nets []string) ([]store.ListenedAddresses, error) {
	m.l.Lock()
	defer m.l.Unlock()

	res := []store.ListenedAddresses{}

	for net, addrs := range m.addrs {
		if len(nets) > 0 && !slices.Contains(nets, net) {
			continue
		}

		la := store.ListenedAddresses{Net: net, Addr: make([]store.Address, 0, len(addrs))}
		for _, a := range addrs {
			la.Addr = append(la.Addr, a)
		}

		sort.Slice(la.Addr, func(i, j int) bool { return la.Addr[i].Addr < la.Addr[j].Addr })
		res = append(res, la)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Net < res[j].Net })

	return res, nil
}

// LoadExplorer returns the cursor of net.
func (m *Memory) LoadExplorer(_ context.Context, net string) (store.Cursor, error) {
	m.l.Lock()
	defer m.l.Unlock()

	c, ok := m.cursors[net]
	if !ok {
		return store.Cursor{}, store.ErrDataNotFound
	}

	c.Hashes = append([]string(nil), c.Hashes...)

	return c, nil
}

// SaveExplorer saves the cursor of net.
func (m *Memory) SaveExplorer(_ context.Context, net string, c store.Cursor) error {
	m.l.Lock()
	defer m.l.Unlock()

	c.Hashes = append([]string(nil), c.Hashes...)
	m.cursors[net] = c

	return nil
}

// DeleteExplorer deletes the cursor of net.
func (m *Memory) DeleteExplorer(_ context.Context, net string) error {
	m.l.Lock()
	defer m.l.Unlock()

	delete(m.cursors, net)

	return nil
}

// Close implements store.DB.
func (m *Memory) Close() error {
	return nil
}
