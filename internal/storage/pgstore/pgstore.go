// Package pgstore keeps storage values in the PostgreSQL offline_kv table.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/repository/postgres"
)

// Store implements storage.Storage over a pgx pool.
type Store struct{ db *postgres.DB }

// New wraps an open pool. Schema comes from migrate.Up.
func New(db *postgres.DB) *Store { return &Store{db: db} }

// Load returns the value for key or errs.ErrNotFound.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT v FROM offline_kv WHERE k=$1`
	var v []byte
	if err := s.db.Pool.QueryRow(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// Save upserts the value for key.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO offline_kv (k, v, updated_at) VALUES ($1,$2,now())
ON CONFLICT (k) DO UPDATE SET v=EXCLUDED.v, updated_at=now()`
	_, err := s.db.Pool.Exec(ctx, q, key, value)
	return err
}

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}
