package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps snapshots in a documents table so several server
// instances can share one backing database. Checksum is a uint64 stored
// bit-for-bit in a BIGINT column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	snapshot   BYTEA NOT NULL,
	size       INTEGER NOT NULL,
	checksum   BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore: ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context, docID string) ([]byte, Meta, error) {
	var snapshot []byte
	meta := Meta{ID: docID}
	var checksum int64
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot, title, size, checksum, updated_at FROM documents WHERE id = $1`,
		docID,
	).Scan(&snapshot, &meta.Title, &meta.Size, &checksum, &meta.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Meta{}, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	if err != nil {
		return nil, Meta{}, fmt.Errorf("docstore: load %s: %w", docID, err)
	}
	meta.Checksum = uint64(checksum)
	return snapshot, meta, nil
}

func (s *PostgresStore) Save(ctx context.Context, docID string, snapshot []byte, meta Meta) error {
	meta = stampMeta(docID, snapshot, meta)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, title, snapshot, size, checksum, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   snapshot = EXCLUDED.snapshot,
		   size = EXCLUDED.size,
		   checksum = EXCLUDED.checksum,
		   updated_at = EXCLUDED.updated_at`,
		docID, meta.Title, snapshot, meta.Size, int64(meta.Checksum), meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("docstore: save %s: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, docID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		return fmt.Errorf("docstore: delete %s: %w", docID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Meta, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, size, checksum, updated_at FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("docstore: list: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var meta Meta
		var checksum int64
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.Size, &checksum, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("docstore: list: %w", err)
		}
		meta.Checksum = uint64(checksum)
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore: list: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
