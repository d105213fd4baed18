package filecacher

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gavelms/gavel/structs"
)

// PostgresBackend stores object content in large objects and the
// (digest, description, loid) rows in the fs_objects table. Large
// object creation is transactional, so an upload that loses the digest
// race rolls back without leaving an orphan.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend wraps an existing pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) lookupLOID(ctx context.Context, digest string) (uint32, error) {
	var loid uint32
	err := b.pool.QueryRow(ctx,
		`SELECT loid FROM fs_objects WHERE digest = $1`, digest).Scan(&loid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return loid, err
}

// Open implements Backend. The large object API only works inside a
// transaction, so the whole content is read under one and buffered.
func (b *PostgresBackend) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	loid, err := b.lookupLOID(ctx, digest)
	if err != nil {
		return nil, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	lo := tx.LargeObjects()
	obj, err := lo.Open(ctx, loid, pgx.LargeObjectModeRead)
	if err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("filecacher: opening large object %d: %w", loid, err)
	}
	return &pgReader{ctx: ctx, tx: tx, obj: obj}, nil
}

type pgReader struct {
	ctx context.Context
	tx  pgx.Tx
	obj *pgx.LargeObject
}

func (r *pgReader) Read(p []byte) (int, error) { return r.obj.Read(p) }

func (r *pgReader) Close() error {
	r.obj.Close()
	return r.tx.Commit(r.ctx)
}

// Create implements Backend.
func (b *PostgresBackend) Create(ctx context.Context) (FileHandle, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	lo := tx.LargeObjects()
	loid, err := lo.Create(ctx, 0)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	obj, err := lo.Open(ctx, loid, pgx.LargeObjectModeWrite)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	return &pgHandle{tx: tx, obj: obj, loid: loid}, nil
}

type pgHandle struct {
	tx   pgx.Tx
	obj  *pgx.LargeObject
	loid uint32
}

func (h *pgHandle) Write(p []byte) (int, error) { return h.obj.Write(p) }

func (h *pgHandle) Commit(ctx context.Context, digest, description string) (bool, error) {
	if err := h.obj.Close(); err != nil {
		h.tx.Rollback(ctx)
		return false, err
	}
	_, err := h.tx.Exec(ctx,
		`INSERT INTO fs_objects (digest, description, loid) VALUES ($1, $2, $3)`,
		digest, description, h.loid)
	if err != nil {
		h.tx.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique violation: another writer committed this digest
			// first. The rollback also discards our large object.
			return false, nil
		}
		return false, err
	}
	return true, h.tx.Commit(ctx)
}

func (h *pgHandle) Abort(ctx context.Context) error {
	h.obj.Close()
	return h.tx.Rollback(ctx)
}

// Describe implements Backend.
func (b *PostgresBackend) Describe(ctx context.Context, digest string) (string, error) {
	var desc string
	err := b.pool.QueryRow(ctx,
		`SELECT description FROM fs_objects WHERE digest = $1`, digest).Scan(&desc)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return desc, err
}

// Size implements Backend.
func (b *PostgresBackend) Size(ctx context.Context, digest string) (int64, error) {
	loid, err := b.lookupLOID(ctx, digest)
	if err != nil {
		return 0, err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Commit(ctx)

	lo := tx.LargeObjects()
	obj, err := lo.Open(ctx, loid, pgx.LargeObjectModeRead)
	if err != nil {
		return 0, err
	}
	defer obj.Close()
	return obj.Seek(0, io.SeekEnd)
}

// Delete implements Backend.
func (b *PostgresBackend) Delete(ctx context.Context, digest string) error {
	loid, err := b.lookupLOID(ctx, digest)
	if err != nil {
		return err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM fs_objects WHERE digest = $1`, digest); err != nil {
		tx.Rollback(ctx)
		return err
	}
	lo := tx.LargeObjects()
	if err := lo.Unlink(ctx, loid); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// List implements Backend.
func (b *PostgresBackend) List(ctx context.Context) ([]structs.FSObject, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT digest, description, loid FROM fs_objects ORDER BY digest`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []structs.FSObject
	for rows.Next() {
		var obj structs.FSObject
		if err := rows.Scan(&obj.Digest, &obj.Description, &obj.LOID); err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}
