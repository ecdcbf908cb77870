package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Transactor opens store transactions. Every read and write goes through one.
type Transactor interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one unit of work against the calendar store. Callers must finish it
// with Commit or Rollback; Rollback after Commit is a no-op.
type Tx interface {
	// CalendarHome returns the home of principalUID, creating it when create is set.
	CalendarHome(ctx context.Context, principalUID string, create bool) (*Home, error)
	// Collection returns the named collection in a home, creating it when create is set.
	Collection(ctx context.Context, homeID int64, name string, create bool) (*Collection, error)
	// SetCollectionProperties replaces the display name and color. Nil clears.
	SetCollectionProperties(ctx context.Context, collectionID int64, displayName, color *string) error
	ObjectByUID(ctx context.Context, collectionID int64, uid string) (*Object, error)
	// FindObject returns the object with uid from any collection in a home.
	// When several collections hold it, the oldest row wins.
	FindObject(ctx context.Context, homeID int64, uid string) (*Object, error)
	// PutObject inserts or replaces the object with obj.UID. On replace the
	// stored resource name is kept. The bool reports whether a row was created.
	PutObject(ctx context.Context, obj Object) (*Object, bool, error)
	ListObjects(ctx context.Context, collectionID int64) ([]Object, error)
	CountObjects(ctx context.Context, collectionID int64) (int, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxPool is the subset of pgxpool.Pool the store needs.
type TxPool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store is the PostgreSQL-backed Transactor.
type Store struct {
	pool TxPool
}

// New wires the store to a shared connection pool.
func New(pool TxPool) *Store {
	return &Store{pool: pool}
}

// Begin starts a read-committed transaction.
func (s *Store) Begin(ctx context.Context) (Tx, error) {
	defer observeDB(ctx, "db.begin_tx")()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
