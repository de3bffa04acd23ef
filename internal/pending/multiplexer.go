// Package pending multiplexes concurrent authorization requests. Every
// request owns one PKCE verifier stored under a key derived from its state,
// and is resolved exactly once.
package pending

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-worker/internal/pkce"
	"github.com/openkcm/session-worker/internal/store"
	"github.com/openkcm/session-worker/pkg/serviceerr"
)

type Request struct {
	State           string    `json:"state"`
	Index           uint64    `json:"index"`
	CodeVerifier    string    `json:"codeVerifier"`
	CodeChallenge   string    `json:"codeChallenge"`
	ChallengeMethod string    `json:"challengeMethod"`
	Nonce           string    `json:"nonce"`
	Binding         string    `json:"binding,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

type Option func(*Multiplexer)

// WithTTL expires requests older than ttl. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(m *Multiplexer) { m.ttl = ttl }
}

// WithStateBinding appends a random binding to every state and requires it
// back on resolution.
func WithStateBinding(enabled bool) Option {
	return func(m *Multiplexer) { m.bind = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(m *Multiplexer) { m.now = now }
}

type Multiplexer struct {
	store  store.Store
	source pkce.Source

	ttl  time.Duration
	bind bool
	now  func() time.Time

	mu      sync.Mutex
	next    uint64
	tracked map[string]time.Time
}

func NewMultiplexer(s store.Store, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		store:   s,
		now:     time.Now,
		tracked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Begin registers a new authorization request. Index allocation and the
// store write happen under one lock, so concurrent callers never share a key.
func (m *Multiplexer) Begin(ctx context.Context) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index, err := m.nextFreeIndex(ctx)
	if err != nil {
		return Request{}, err
	}

	challenge := m.source.PKCE()
	req := Request{
		Index:           index,
		CodeVerifier:    challenge.Verifier,
		CodeChallenge:   challenge.Challenge,
		ChallengeMethod: challenge.Method,
		Nonce:           m.source.Nonce(),
		CreatedAt:       m.now().UTC(),
	}
	if m.bind {
		req.Binding = m.source.Binding()
	}
	req.State = pkce.FormatState(index, req.Binding)

	data, err := json.Marshal(req)
	if err != nil {
		return Request{}, fmt.Errorf("marshalling request: %w", err)
	}

	key := pkce.KeyForIndex(index)
	if err := m.store.SetData(ctx, key, string(data)); err != nil {
		return Request{}, fmt.Errorf("storing request: %w", err)
	}

	m.next = index + 1
	m.tracked[key] = req.CreatedAt

	slogctx.Debug(ctx, "Authorization request registered", "index", index)

	return req, nil
}

// nextFreeIndex skips indices still occupied in the store, which happens
// when a persistent store outlives a previous worker.
func (m *Multiplexer) nextFreeIndex(ctx context.Context) (uint64, error) {
	for index := m.next; ; index++ {
		_, err := m.store.GetData(ctx, pkce.KeyForIndex(index))
		switch {
		case errors.Is(err, store.ErrNotFound):
			return index, nil
		case err != nil:
			return 0, fmt.Errorf("probing request index: %w", err)
		}
	}
}

// Resolve consumes the request registered for state.
func (m *Multiplexer) Resolve(ctx context.Context, state string) (Request, error) {
	key, binding, err := parse(state)
	if err != nil {
		return Request{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.load(ctx, key, binding)
	if err != nil {
		return Request{}, err
	}

	if err := m.remove(ctx, key); err != nil {
		return Request{}, err
	}

	if m.expired(req.CreatedAt) {
		return Request{}, serviceerr.New(serviceerr.CodeUnknownOrExpiredRequest, "authorization request %d expired", req.Index)
	}

	return req, nil
}

// Cancel resolves the request for state without an exchange.
func (m *Multiplexer) Cancel(ctx context.Context, state string) error {
	key, binding, err := parse(state)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.load(ctx, key, binding); err != nil {
		return err
	}

	return m.remove(ctx, key)
}

// Sweep removes tracked requests that outlived the ttl and returns how many
// were removed.
func (m *Multiplexer) Sweep(ctx context.Context, now time.Time) (int, error) {
	if m.ttl <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	removed := 0
	for key, createdAt := range m.tracked {
		if now.Sub(createdAt) <= m.ttl {
			continue
		}

		if err := m.remove(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		slogctx.Info(ctx, "Swept expired authorization requests", "count", removed)
	}

	return removed, errors.Join(errs...)
}

// Outstanding returns the number of unresolved requests created by this
// multiplexer.
func (m *Multiplexer) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.tracked)
}

func (m *Multiplexer) load(ctx context.Context, key, binding string) (Request, error) {
	data, err := m.store.GetData(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			delete(m.tracked, key)
			return Request{}, serviceerr.ErrUnknownOrExpiredRequest
		}

		return Request{}, fmt.Errorf("loading request: %w", err)
	}

	var req Request
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return Request{}, serviceerr.Wrap(serviceerr.CodeUnknownOrExpiredRequest, err, "decoding request")
	}

	// A wrong binding leaves the entry in place for the legitimate callback.
	if subtle.ConstantTimeCompare([]byte(req.Binding), []byte(binding)) != 1 {
		return Request{}, serviceerr.New(serviceerr.CodeUnknownOrExpiredRequest, "state binding mismatch")
	}

	return req, nil
}

func (m *Multiplexer) remove(ctx context.Context, key string) error {
	if err := m.store.RemoveData(ctx, key); err != nil {
		return fmt.Errorf("removing request: %w", err)
	}
	delete(m.tracked, key)

	return nil
}

func (m *Multiplexer) expired(createdAt time.Time) bool {
	return m.ttl > 0 && m.now().Sub(createdAt) > m.ttl
}

func parse(state string) (key, binding string, err error) {
	index, binding, err := pkce.ParseState(state)
	if err != nil {
		return "", "", err
	}

	return pkce.KeyForIndex(index), binding, nil
}
