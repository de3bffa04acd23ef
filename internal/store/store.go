// Package store defines the key/value persistence used by the worker for
// pending authorization requests and the session.
package store

import (
	"context"
	"errors"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

// ErrNotFound is returned by GetData for absent keys.
var ErrNotFound = errors.New("store: key not found")

// Store is exclusively owned by the worker. Implementations must be safe for
// concurrent use; SetData replaces the whole value in one step.
type Store interface {
	GetData(ctx context.Context, key string) (string, error)
	SetData(ctx context.Context, key, value string) error
	RemoveData(ctx context.Context, key string) error
}

// Unavailable marks a backend failure as StorageUnavailable.
func Unavailable(op string, err error) error {
	return serviceerr.Wrap(serviceerr.CodeStorageUnavailable, err, op)
}
