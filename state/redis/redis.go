// Package redis provides a Redis-backed StateStore for scrapequota.
//
// The snapshot is stored as a JSON blob under a single key together with
// its snapshot ID, so concurrent instances sharing the key can detect
// whether the state they read is the one they last wrote.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/karooworks/scrapequota"
)

// Store is a Redis-backed StateStore.
type Store struct {
	client goredis.Cmdable
	key    string
}

var _ scrapequota.StateStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKey sets the Redis key (default "scrapequota:state").
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// New creates a new Redis-backed StateStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client: client,
		key:    "scrapequota:state",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the persisted snapshot. An absent key maps to ErrStateStale
// and an unparseable value to ErrStateCorrupt.
func (s *Store) Load(ctx context.Context) (scrapequota.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == goredis.Nil {
		return scrapequota.Snapshot{}, &scrapequota.StateError{
			Op: "load", Path: s.key, Err: scrapequota.ErrStateStale,
		}
	}
	if err != nil {
		return scrapequota.Snapshot{}, &scrapequota.StateError{Op: "load", Path: s.key, Err: err}
	}

	var snap scrapequota.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return scrapequota.Snapshot{}, &scrapequota.StateError{
			Op: "load", Path: s.key,
			Err: fmt.Errorf("%w: %v", scrapequota.ErrStateCorrupt, err),
		}
	}
	return snap, nil
}

// Save replaces the persisted snapshot.
func (s *Store) Save(ctx context.Context, snap scrapequota.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return &scrapequota.StateError{Op: "save", Path: s.key, Err: err}
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return &scrapequota.StateError{Op: "save", Path: s.key, Err: err}
	}
	return nil
}
