// Package store defines the interface for database implementations persisting the explorer state: the addresses
// watched administratively and the ledger cursor of each network.
package store

import (
	"context"
	"errors"
)

// DB defines required methods for the explorer.
type DB interface {
	// watched addresses
	AddAddress(ctx context.Context, a Address, net string) ([]byte, error)
	RemoveAddress(ctx context.Context, a Address, net string) error
	GetAddresses(ctx context.Context, nets []string) ([]ListenedAddresses, error)
	// ledger cursor
	LoadExplorer(ctx context.Context, net string) (Cursor, error)
	SaveExplorer(ctx context.Context, net string, c Cursor) error
	DeleteExplorer(ctx context.Context, net string) error

	Close() error
}

// Errors returned
var (
	ErrAddrNotFound = errors.New("address was not found in store")
	ErrDataNotFound = errors.New("data was not found in store")
)
