package storevalkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/store"
)

// Store keeps entries in ValKey under "<prefix>:<key>".
type Store struct {
	valkey valkey.Client
	prefix string
	ttl    time.Duration
}

var _ store.Store = (*Store)(nil)

// NewStore returns a ValKey backed store. A positive ttl is applied to every
// write so abandoned entries disappear without a sweep.
func NewStore(valkeyClient valkey.Client, prefix string, ttl time.Duration) *Store {
	prefix = strings.TrimSuffix(prefix, ":")
	return &Store{
		valkey: valkeyClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

// NewClient connects to the configured ValKey instance.
func NewClient(cfg config.ValKey) (valkey.Client, error) {
	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.MTLS != nil {
		tlsConfig, err := commoncfg.LoadMTLSConfig(cfg.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading valkey mTLS config: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeyClient, nil
}

func (s *Store) GetData(ctx context.Context, key string) (string, error) {
	value, err := s.valkey.Do(ctx, s.valkey.B().Get().Key(s.key(key)).Build()).ToString()
	if err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			return "", store.ErrNotFound
		}

		return "", store.Unavailable("executing get command", err)
	}

	return value, nil
}

func (s *Store) SetData(ctx context.Context, key, value string) error {
	var cmd valkey.Completed
	if s.ttl > 0 {
		cmd = s.valkey.B().Set().Key(s.key(key)).Value(value).ExSeconds(int64(s.ttl.Seconds())).Build()
	} else {
		cmd = s.valkey.B().Set().Key(s.key(key)).Value(value).Build()
	}

	if err := s.valkey.Do(ctx, cmd).Error(); err != nil {
		return store.Unavailable("executing set command", err)
	}

	return nil
}

func (s *Store) RemoveData(ctx context.Context, key string) error {
	if err := s.valkey.Do(ctx, s.valkey.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return store.Unavailable("executing del command", err)
	}

	return nil
}

// Ping checks the connection, used for readiness.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.valkey.Do(ctx, s.valkey.B().Ping().Build()).Error(); err != nil {
		return store.Unavailable("pinging valkey", err)
	}

	return nil
}

func (s *Store) key(key string) string {
	if s.prefix == "" {
		return key
	}

	return fmt.Sprintf("%s:%s", s.prefix, key)
}
