package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/loreweave/pkg/lore"
)

// Compile-time interface check.
var _ lore.Store = (*Store)(nil)

// pgForeignKeyViolation is the SQLSTATE raised when a referenced chat or
// lorebook row does not exist.
const pgForeignKeyViolation = "23503"

// Store is the PostgreSQL-backed lore store. All operations are safe for
// concurrent use; counter and reinforcement updates are single atomic
// statements, never read-modify-write round trips.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a connection pool to the database at dsn, verifies it with a
// ping and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping implements [lore.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// notFound maps pgx.ErrNoRows and foreign-key violations to lore.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return lore.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", lore.ErrNotFound, pgErr.ConstraintName)
	}
	return err
}
