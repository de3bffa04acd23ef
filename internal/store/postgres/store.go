// Package storepg keeps store entries in a PostgreSQL table so pending
// requests and the session survive a worker restart.
package storepg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openkcm/session-worker/internal/store"
)

type Store struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

var _ store.Store = (*Store)(nil)

// NewPool opens a traced connection pool.
func NewPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialising pgxpool connection: %w", err)
	}

	return pool, nil
}

// NewStore returns a store over db. Entries older than a positive ttl are
// treated as absent and removed by Purge.
func NewStore(db *pgxpool.Pool, ttl time.Duration) *Store {
	return &Store{
		db:  db,
		ttl: ttl,
	}
}

func (s *Store) GetData(ctx context.Context, key string) (string, error) {
	var value string
	var updatedAt time.Time

	err := s.db.QueryRow(ctx,
		`SELECT value, updated_at FROM store_entries WHERE key = $1;`, key,
	).Scan(&value, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrNotFound
		}

		return "", store.Unavailable("selecting store entry", err)
	}

	if s.ttl > 0 && time.Since(updatedAt) > s.ttl {
		return "", store.ErrNotFound
	}

	return value, nil
}

func (s *Store) SetData(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO store_entries (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at;`,
		key, value,
	)
	if err != nil {
		return store.Unavailable("upserting store entry", err)
	}

	return nil
}

func (s *Store) RemoveData(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM store_entries WHERE key = $1;`, key); err != nil {
		return store.Unavailable("deleting store entry", err)
	}

	return nil
}

// Purge deletes entries that outlived the ttl and returns how many were
// removed. It is a no-op without a ttl.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}

	tag, err := s.db.Exec(ctx,
		`DELETE FROM store_entries WHERE updated_at < $1;`, time.Now().Add(-s.ttl),
	)
	if err != nil {
		return 0, store.Unavailable("purging store entries", err)
	}

	return tag.RowsAffected(), nil
}

// Ping checks the connection, used for readiness.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return store.Unavailable("pinging postgres", err)
	}

	return nil
}
