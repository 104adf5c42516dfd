package postgres

import (
	"context"

	"github.com/jkaninda/galaxy/internal/storage"
)

// Store implements storage.ExecutionStore backed by PostgreSQL.
type Store struct {
	*ExecutionRepository
	pgDB *DB
}

var _ storage.ExecutionStore = (*Store)(nil)

// NewStore wraps an existing DB as an ExecutionStore.
func NewStore(pgDB *DB) *Store {
	return &Store{
		ExecutionRepository: NewExecutionRepository(pgDB.GormDB()),
		pgDB:                pgDB,
	}
}

// DB returns the underlying connection wrapper.
func (s *Store) DB() *DB { return s.pgDB }

// Ping checks the connection for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

// Close releases the connection pool.
func (s *Store) Close() error { return s.pgDB.Close() }

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }
