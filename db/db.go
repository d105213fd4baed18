// Package db is the pgx-backed store shared by the services. Each
// service sees only the narrow interface it declares; this package
// satisfies them all against one PostgreSQL schema.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound maps no-rows results.
	ErrNotFound = errors.New("db: not found")

	// ErrConflict maps unique and foreign key violations.
	ErrConflict = errors.New("db: conflict")
)

//go:embed schema.sql
var schema string

// Store wraps the connection pool. All transactions are short and
// scoped to one call; there is no two-phase commit anywhere.
type Store struct {
	pool   *pgxpool.Pool
	logger hclog.Logger
}

// Connect builds a pool for url and verifies it with a ping.
func Connect(ctx context.Context, url string, logger hclog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("db: parsing database url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: pinging database: %w", err)
	}
	return &Store{pool: pool, logger: logger.Named("db")}, nil
}

// Pool exposes the underlying pool, for the filecacher backend.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// EnsureSchema applies the embedded schema; every statement is
// idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("db: applying schema: %w", err)
	}
	return nil
}

// withTx runs fn inside one transaction, translating the outcome.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

// mapError folds driver errors into the package's typed errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
		}
	}
	return err
}
