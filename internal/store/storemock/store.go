package storemock

import (
	"context"
	"sync"

	"github.com/openkcm/session-worker/internal/store"
)

type StoreOption func(*Store)

// Store is a map backed store with injectable failures and a write log.
type Store struct {
	mu      sync.Mutex
	entries map[string]string
	writes  []string

	getErr, setErr, removeErr error
	getErrKeys                map[string]error
}

func WithEntry(key, value string) StoreOption {
	return func(s *Store) { s.entries[key] = value }
}
func WithGetError(err error) StoreOption {
	return func(s *Store) { s.getErr = err }
}
func WithGetErrorFor(key string, err error) StoreOption {
	return func(s *Store) { s.getErrKeys[key] = err }
}
func WithSetError(err error) StoreOption {
	return func(s *Store) { s.setErr = err }
}
func WithRemoveError(err error) StoreOption {
	return func(s *Store) { s.removeErr = err }
}

var _ = store.Store(&Store{})

func New(opts ...StoreOption) *Store {
	s := &Store{
		entries:    make(map[string]string),
		getErrKeys: make(map[string]error),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) GetData(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return "", s.getErr
	}
	if err, ok := s.getErrKeys[key]; ok {
		return "", err
	}
	if v, ok := s.entries[key]; ok {
		return v, nil
	}
	return "", store.ErrNotFound
}

func (s *Store) SetData(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setErr != nil {
		return s.setErr
	}
	s.entries[key] = value
	s.writes = append(s.writes, key)
	return nil
}

func (s *Store) RemoveData(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeErr != nil {
		return s.removeErr
	}
	delete(s.entries, key)
	return nil
}

// SetSetError changes the write failure after construction.
func (s *Store) SetSetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr = err
}

// Keys returns the keys currently held.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Writes returns every key passed to SetData, in order.
func (s *Store) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// Value returns the raw value for key.
func (s *Store) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}
