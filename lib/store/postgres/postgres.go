// Package postgres implements the store interface for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tarancss/ledgerfeed/lib/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS listened_addresses (
	id      BIGSERIAL PRIMARY KEY,
	net     TEXT NOT NULL,
	address TEXT NOT NULL,
	name    TEXT NOT NULL DEFAULT '',
	UNIQUE (net, address)
);
CREATE TABLE IF NOT EXISTS explorer_cursor (
	net    TEXT PRIMARY KEY,
	ledger BIGINT NOT NULL,
	hashes TEXT[] NOT NULL,
	head   INTEGER NOT NULL
);`

// Postgres implements a connection pool to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the tables when
// missing.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("cannot reach DB: %w", err)
	}

	if _, err = db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("cannot create tables: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// AddAddress saves an address if the address does not already exist and returns its id.
func (p *Postgres) AddAddress(ctx context.Context, a store.Address, net string) ([]byte, error) {
	var id int64

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO listened_addresses (net, address, name) VALUES ($1, $2, $3)
		ON CONFLICT (net, address) DO UPDATE SET address = EXCLUDED.address
		RETURNING id`, net, a.Addr, a.Name).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("could not insert address in db: %w", err)
	}

	return binary.BigEndian.AppendUint64(nil, uint64(id)), nil
}

// RemoveAddress deletes an address from the database.
func (p *Postgres) RemoveAddress(ctx context.Context, a store.Address, net string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM listened_addresses WHERE net = $1 AND address = $2`, net, a.Addr)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrAddrNotFound
	}

	return nil
}

// GetAddresses returns the addresses monitored for the networks in nets, all of them when empty.
func (p *Postgres) GetAddresses(ctx context.Context, nets []string) ([]store.ListenedAddresses, error) {
	if nets == nil {
		nets = []string{} // a nil array is sent as NULL
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, net, address, name FROM listened_addresses
		WHERE cardinality($1::TEXT[]) = 0 OR net = ANY($1)
		ORDER BY net, address`, pq.Array(nets))
	if err != nil {
		return nil, fmt.Errorf("cannot query addresses: %w", err)
	}
	defer rows.Close()

	addrs := []store.ListenedAddresses{}

	for rows.Next() {
		var (
			id  int64
			net string
			a   store.Address
		)

		if err = rows.Scan(&id, &net, &a.Addr, &a.Name); err != nil {
			return nil, err
		}

		a.ID = binary.BigEndian.AppendUint64(nil, uint64(id))

		if len(addrs) == 0 || addrs[len(addrs)-1].Net != net {
			addrs = append(addrs, store.ListenedAddresses{Net: net})
		}

		last := &addrs[len(addrs)-1]
		last.Addr = append(last.Addr, a)
	}

	return addrs, rows.Err()
}

// LoadExplorer loads the cursor of net.
func (p *Postgres) LoadExplorer(ctx context.Context, net string) (c store.Cursor, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT ledger, hashes, head FROM explorer_cursor WHERE net = $1`, net).
		Scan(&c.Ledger, pq.Array(&c.Hashes), &c.Head)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrDataNotFound
	}

	return
}

// SaveExplorer saves the cursor of net.
func (p *Postgres) SaveExplorer(ctx context.Context, net string, c store.Cursor) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO explorer_cursor (net, ledger, hashes, head) VALUES ($1, $2, $3, $4)
		ON CONFLICT (net) DO UPDATE SET ledger = EXCLUDED.ledger, hashes = EXCLUDED.hashes, head = EXCLUDED.head`,
		net, int64(c.Ledger), pq.Array(c.Hashes), c.Head)

	return err
}

// DeleteExplorer deletes the cursor of net.
func (p *Postgres) DeleteExplorer(ctx context.Context, net string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM explorer_cursor WHERE net = $1`, net)

	return err
}
