// Package memory provides an in-worker Store. Nothing survives a restart.
package memory

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/openkcm/session-worker/internal/store"
)

const cleanupInterval = 10 * time.Minute

type Store struct {
	cache *gocache.Cache
}

var _ store.Store = (*Store)(nil)

// New creates an empty store. A positive ttl expires entries that were not
// rewritten within ttl; zero keeps them until removed.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}

	return &Store{cache: gocache.New(ttl, cleanupInterval)}
}

func (s *Store) GetData(_ context.Context, key string) (string, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return "", store.ErrNotFound
	}

	//nolint:forcetypeassert
	return v.(string), nil
}

func (s *Store) SetData(_ context.Context, key, value string) error {
	s.cache.SetDefault(key, value)
	return nil
}

func (s *Store) RemoveData(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	return s.cache.ItemCount()
}
