// Package db implements the opening of database connections.
package db

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tarancss/ledgerfeed/lib/store"
	"github.com/tarancss/ledgerfeed/lib/store/memory"
	"github.com/tarancss/ledgerfeed/lib/store/mongo"
	"github.com/tarancss/ledgerfeed/lib/store/postgres"
)

// Database types.
const (
	MEMORY   string = "memory"
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
)

// New returns a new database connection according to the options (database type). An empty connection string
// selects the memory store.
func New(options, connection string, log *zap.Logger) (store.DB, error) {
	if connection == "" {
		options = MEMORY
	}

	switch options {
	case MEMORY, "":
		return memory.New(), nil
	case MONGODB:
		return mongo.New(connection, log)
	case POSTGRES:
		return postgres.New(connection)
	}

	return nil, fmt.Errorf("unknown database type %q", options)
}
