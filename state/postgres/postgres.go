// Package postgres provides a PostgreSQL-backed StateStore for scrapequota.
//
// The snapshot is stored in a single-row table, upserted on every save.
// This gives multi-instance deployments durable shared state without a
// shared filesystem.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/karooworks/scrapequota"
)

// Store is a PostgreSQL-backed StateStore.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

var _ scrapequota.StateStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTable sets the table name (default "scrapequota_state").
func WithTable(table string) Option {
	return func(s *Store) { s.table = table }
}

// New creates a new PostgreSQL-backed StateStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:  pool,
		table: "scrapequota_state",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the state table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return &scrapequota.StateError{Op: "save", Path: s.table, Err: err}
	}
	return nil
}

// Load reads the persisted snapshot. An empty table maps to ErrStateStale
// and an unparseable row to ErrStateCorrupt.
func (s *Store) Load(ctx context.Context) (scrapequota.Snapshot, error) {
	var data []byte
	q := fmt.Sprintf(`SELECT snapshot FROM %s WHERE id = 1`, s.table)
	err := s.pool.QueryRow(ctx, q).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrapequota.Snapshot{}, &scrapequota.StateError{
			Op: "load", Path: s.table, Err: scrapequota.ErrStateStale,
		}
	}
	if err != nil {
		return scrapequota.Snapshot{}, &scrapequota.StateError{Op: "load", Path: s.table, Err: err}
	}

	var snap scrapequota.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return scrapequota.Snapshot{}, &scrapequota.StateError{
			Op: "load", Path: s.table,
			Err: fmt.Errorf("%w: %v", scrapequota.ErrStateCorrupt, err),
		}
	}
	return snap, nil
}

// Save upserts the persisted snapshot.
func (s *Store) Save(ctx context.Context, snap scrapequota.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return &scrapequota.StateError{Op: "save", Path: s.table, Err: err}
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, snapshot, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		s.table)
	if _, err := s.pool.Exec(ctx, q, data); err != nil {
		return &scrapequota.StateError{Op: "save", Path: s.table, Err: err}
	}
	return nil
}
