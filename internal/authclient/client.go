// Package authclient implements the OIDC authorization code flow with PKCE
// on top of a key/value store. It is meant to be owned by a single worker.
package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-worker/internal/config"
	"github.com/openkcm/session-worker/internal/idp"
	"github.com/openkcm/session-worker/internal/pending"
	"github.com/openkcm/session-worker/internal/store"
	"github.com/openkcm/session-worker/pkg/serviceerr"
)

// SessionKey is the store key of the session document.
const SessionKey = "session"

// Provider is the identity provider as seen by the client.
type Provider interface {
	AuthorizationURL(ctx context.Context, req idp.AuthRequest) (string, error)
	Authorize(ctx context.Context, req idp.AuthRequest) (idp.FlowStep, error)
	Exchange(ctx context.Context, code, verifier string) (idp.Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (idp.Tokens, error)
	VerifyIDToken(ctx context.Context, raw, nonce, accessToken string) (idp.IDToken, error)
	EndSessionURL(ctx context.Context, idTokenHint, postLogoutRedirect string) (string, bool, error)
	Profile(ctx context.Context, accessToken string) (idp.Profile, error)
}

var _ Provider = (*idp.Client)(nil)

var defaultSigningAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

type Option func(*Client)

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithMultiplexer replaces the request multiplexer built from the config.
func WithMultiplexer(m *pending.Multiplexer) Option {
	return func(c *Client) { c.requests = m }
}

type Client struct {
	cfg      *config.Client
	store    store.Store
	provider Provider
	requests *pending.Multiplexer
	algs     []jose.SignatureAlgorithm
	now      func() time.Time

	// sessionMu serialises every read-modify-write of the session.
	sessionMu sync.Mutex

	phaseMu sync.RWMutex
	phase   Phase
}

func New(cfg *config.Client, s store.Store, provider Provider, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		store:    s,
		provider: provider,
		now:      time.Now,
		phase:    PhaseIdle,
		algs:     defaultSigningAlgs,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if len(cfg.SigningAlgs) > 0 {
		c.algs = make([]jose.SignatureAlgorithm, 0, len(cfg.SigningAlgs))
		for _, alg := range cfg.SigningAlgs {
			c.algs = append(c.algs, jose.SignatureAlgorithm(alg))
		}
	}

	if c.requests == nil {
		c.requests = pending.NewMultiplexer(s,
			pending.WithTTL(cfg.RequestTTL),
			pending.WithStateBinding(cfg.BindState),
			pending.WithClock(c.now),
		)
	}

	return c
}

// Phase is the last transition of the sign-in flow. Callbacks that match no
// outstanding request are rejected without moving it, so a stray redirect
// never overrides an active session.
func (c *Client) Phase() Phase {
	c.phaseMu.RLock()
	defer c.phaseMu.RUnlock()

	return c.phase
}

func (c *Client) setPhase(p Phase) {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()

	c.phase = p
}

// StartSignIn registers a new authorization request and returns where the
// user agent has to go next.
func (c *Client) StartSignIn(ctx context.Context, opts SignInOptions) (SignInResult, error) {
	req, err := c.requests.Begin(ctx)
	if err != nil {
		return SignInResult{}, c.fail(ctx, "starting sign-in", err)
	}

	ctx = slogctx.With(ctx, "state_index", req.Index)

	authReq := idp.AuthRequest{
		State:           req.State,
		Nonce:           req.Nonce,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.ChallengeMethod,
		Params:          opts.Params,
	}

	result := SignInResult{Mode: c.mode(), State: req.State}
	switch result.Mode {
	case config.ModeEmbedded:
		step, err := c.provider.Authorize(ctx, authReq)
		if err != nil {
			c.abandon(ctx, req.State)
			return SignInResult{}, c.fail(ctx, "starting embedded sign-in", err)
		}
		result.Flow = &step
	default:
		u, err := c.provider.AuthorizationURL(ctx, authReq)
		if err != nil {
			c.abandon(ctx, req.State)
			return SignInResult{}, c.fail(ctx, "building authorization url", err)
		}
		result.RedirectURL = u
	}

	c.setPhase(PhaseAuthorizationRequested)
	slogctx.Info(ctx, "Authorization requested", "mode", result.Mode)

	return result, nil
}

// CompleteSignIn resolves the request named by the callback state, redeems
// the code and stores the resulting session.
func (c *Client) CompleteSignIn(ctx context.Context, cb Callback) (Session, error) {
	if cb.Error != "" {
		err := serviceerr.New(serviceerr.CodeAuthorizationFailed, "%s: %s", cb.Error, cb.ErrorDescription)
		if cb.State != "" && c.abandon(ctx, cb.State) {
			return Session{}, c.fail(ctx, "completing sign-in", err)
		}

		return Session{}, c.log(ctx, "completing sign-in", err)
	}

	if cb.Code == "" || cb.State == "" {
		err := serviceerr.New(serviceerr.CodeInvalidRequest, "callback requires code and state")
		return Session{}, c.log(ctx, "completing sign-in", err)
	}

	req, err := c.requests.Resolve(ctx, cb.State)
	if errors.Is(err, serviceerr.ErrMalformedState) || errors.Is(err, serviceerr.ErrUnknownOrExpiredRequest) {
		return Session{}, c.log(ctx, "resolving authorization request", err)
	}
	if err != nil {
		return Session{}, c.fail(ctx, "resolving authorization request", err)
	}

	ctx = slogctx.With(ctx, "state_index", req.Index)
	c.setPhase(PhaseCodeReceived)

	tokens, err := c.provider.Exchange(ctx, cb.Code, req.CodeVerifier)
	if err != nil {
		return Session{}, c.fail(ctx, "exchanging code for tokens", err)
	}

	c.setPhase(PhaseTokenExchanged)
	slogctx.Info(ctx, "Exchanged the auth code for tokens")

	idToken, err := c.provider.VerifyIDToken(ctx, tokens.IDToken, req.Nonce, tokens.AccessToken)
	if err != nil {
		return Session{}, c.fail(ctx, "validating id token", err)
	}

	now := c.now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		Status:    StatusActive,
		CreatedAt: now,
	}
	sess.apply(tokens, idToken)

	c.sessionMu.Lock()
	err = c.save(ctx, sess)
	c.sessionMu.Unlock()
	if err != nil {
		return Session{}, c.fail(ctx, "storing session", err)
	}

	c.setPhase(PhaseSessionActive)
	slogctx.Info(ctx, "Session established", "session_id", sess.ID, "subject", sess.Claims.Subject)

	return sess, nil
}

// Refresh replaces the session tokens using the refresh token. A rejected
// refresh token signs the session out.
func (c *Client) Refresh(ctx context.Context) (Session, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	sess, err := c.active(ctx)
	if err != nil {
		return Session{}, err
	}
	if sess.RefreshToken == "" {
		return Session{}, serviceerr.New(serviceerr.CodeNotAuthenticated, "session has no refresh token")
	}

	ctx = slogctx.With(ctx, "session_id", sess.ID)

	tokens, err := c.provider.Refresh(ctx, sess.RefreshToken)
	if errors.Is(err, serviceerr.ErrInvalidGrant) {
		signedOut := Session{
			ID:          sess.ID,
			Claims:      sess.Claims,
			Status:      StatusSignedOut,
			CreatedAt:   sess.CreatedAt,
			RefreshedAt: c.now().UTC(),
		}
		if saveErr := c.save(ctx, signedOut); saveErr != nil {
			slogctx.Error(ctx, "Failed to store signed out session", "error", saveErr)
		}
		c.setPhase(PhaseSignedOut)
		slogctx.Warn(ctx, "Refresh token rejected, session signed out", "error", err)

		return Session{}, err
	}
	if err != nil {
		return Session{}, c.log(ctx, "refreshing tokens", err)
	}

	var idToken idp.IDToken
	if tokens.IDToken != "" {
		idToken, err = c.provider.VerifyIDToken(ctx, tokens.IDToken, "", tokens.AccessToken)
		if err != nil {
			return Session{}, c.log(ctx, "validating refreshed id token", err)
		}
	}

	updated := sess
	updated.apply(tokens, idToken)
	if updated.RefreshToken == "" {
		updated.RefreshToken = sess.RefreshToken
	}
	updated.RefreshedAt = c.now().UTC()

	if err := c.save(ctx, updated); err != nil {
		return Session{}, c.log(ctx, "storing refreshed session", err)
	}

	slogctx.Info(ctx, "Session refreshed")

	return updated, nil
}

// RefreshIfExpiring refreshes the session when its access token expires
// within window. It reports whether a refresh happened.
func (c *Client) RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error) {
	sess, err := c.activeLocked(ctx)
	if err != nil {
		return false, err
	}
	if sess.RefreshToken == "" || !c.expiresWithin(sess, window) {
		return false, nil
	}

	if _, err := c.Refresh(ctx); err != nil {
		return false, err
	}

	return true, nil
}

// SignOut removes the session and, unless local only, returns the
// provider's end-session URL.
func (c *Client) SignOut(ctx context.Context, opts SignOutOptions) (SignOutResult, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	sess, err := c.load(ctx)
	if err != nil && !errors.Is(err, serviceerr.ErrNotAuthenticated) {
		return SignOutResult{}, c.log(ctx, "loading session", err)
	}

	if err := c.store.RemoveData(ctx, SessionKey); err != nil {
		return SignOutResult{}, c.log(ctx, "removing session", err)
	}

	c.setPhase(PhaseSignedOut)
	slogctx.Info(ctx, "Signed out", "session_id", sess.ID, "local_only", opts.LocalOnly)

	if opts.LocalOnly {
		return SignOutResult{}, nil
	}

	u, ok, err := c.provider.EndSessionURL(ctx, sess.IDToken, c.cfg.AfterSignOutURL)
	if err != nil {
		slogctx.Warn(ctx, "Failed to build end session url, signed out locally only", "error", err)
		return SignOutResult{}, nil
	}
	if !ok {
		return SignOutResult{}, nil
	}

	return SignOutResult{RedirectURL: u}, nil
}

// GetUser returns the claims of the active session's ID token, or nil when
// nobody is signed in.
func (c *Client) GetUser(ctx context.Context) (*UserProfile, error) {
	sess, err := c.activeLocked(ctx)
	if errors.Is(err, serviceerr.ErrNotAuthenticated) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if sess.IDToken == "" {
		return &UserProfile{Subject: sess.Claims.Subject, Claims: map[string]any{"sub": sess.Claims.Subject}}, nil
	}

	// The token was verified when the session was stored.
	token, err := jwt.ParseSigned(sess.IDToken, c.algs)
	if err != nil {
		return nil, serviceerr.Wrap(serviceerr.CodeTokenValidation, err, "parsing stored id token")
	}

	claims := make(map[string]any)
	if err := token.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, serviceerr.Wrap(serviceerr.CodeTokenValidation, err, "decoding stored id token")
	}

	return &UserProfile{
		Subject:    stringClaim(claims, "sub"),
		Username:   stringClaim(claims, "username", "preferred_username"),
		Email:      stringClaim(claims, "email"),
		GivenName:  stringClaim(claims, "given_name"),
		FamilyName: stringClaim(claims, "family_name"),
		Name:       stringClaim(claims, "name"),
		Claims:     claims,
	}, nil
}

func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	sess, err := c.activeLocked(ctx)
	if err != nil {
		return "", err
	}
	if c.expiresWithin(sess, 0) {
		return "", serviceerr.New(serviceerr.CodeNotAuthenticated, "access token expired")
	}

	return sess.AccessToken, nil
}

func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	sess, err := c.activeLocked(ctx)
	if errors.Is(err, serviceerr.ErrNotAuthenticated) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return !c.expiresWithin(sess, 0), nil
}

func (c *Client) SessionInfo(ctx context.Context) (SessionInfo, error) {
	sess, err := c.activeLocked(ctx)
	if err != nil {
		return SessionInfo{}, err
	}

	return sess.Info(), nil
}

// GetProfile fetches the current user from the provider.
func (c *Client) GetProfile(ctx context.Context) (idp.Profile, error) {
	sess, err := c.activeLocked(ctx)
	if err != nil {
		return idp.Profile{}, err
	}

	profile, err := c.provider.Profile(ctx, sess.AccessToken)
	if err != nil {
		return idp.Profile{}, c.log(ctx, "fetching profile", err)
	}

	return profile, nil
}

// CancelSignIn resolves a pending request without completing it.
func (c *Client) CancelSignIn(ctx context.Context, state string) error {
	if err := c.requests.Cancel(ctx, state); err != nil {
		return c.log(ctx, "cancelling sign-in", err)
	}

	return nil
}

// Sweep drops expired authorization requests.
func (c *Client) Sweep(ctx context.Context) (int, error) {
	return c.requests.Sweep(ctx, c.now())
}

// Outstanding returns the number of unresolved authorization requests.
func (c *Client) Outstanding() int {
	return c.requests.Outstanding()
}

func (c *Client) mode() config.Mode {
	if c.cfg.Mode == "" {
		return config.ModeRedirect
	}

	return c.cfg.Mode
}

func (c *Client) expiresWithin(sess Session, window time.Duration) bool {
	return !sess.ExpiresAt.IsZero() && !c.now().Add(window).Before(sess.ExpiresAt)
}

// abandon drops the request and reports whether it was outstanding.
func (c *Client) abandon(ctx context.Context, state string) bool {
	if err := c.requests.Cancel(ctx, state); err != nil {
		slogctx.Debug(ctx, "Could not cancel authorization request", "error", err)
		return false
	}

	return true
}

// fail records a failed sign-in attempt.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	c.setPhase(PhaseFailed)
	return c.log(ctx, op, err)
}

func (c *Client) log(ctx context.Context, op string, err error) error {
	if serviceerr.CodeOf(err).Recoverable() {
		slogctx.Warn(ctx, "Failed "+op, "error", err)
	} else {
		slogctx.Error(ctx, "Failed "+op, "error", err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) activeLocked(ctx context.Context) (Session, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	return c.active(ctx)
}

func (c *Client) active(ctx context.Context) (Session, error) {
	sess, err := c.load(ctx)
	if err != nil {
		return Session{}, err
	}
	if sess.Status != StatusActive || sess.AccessToken == "" {
		return Session{}, serviceerr.New(serviceerr.CodeNotAuthenticated, "session is signed out")
	}

	return sess, nil
}

func (c *Client) load(ctx context.Context) (Session, error) {
	data, err := c.store.GetData(ctx, SessionKey)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, serviceerr.ErrNotAuthenticated
	}
	if err != nil {
		return Session{}, fmt.Errorf("loading session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return Session{}, serviceerr.Wrap(serviceerr.CodeNotAuthenticated, err, "decoding session")
	}

	return sess, nil
}

func (c *Client) save(ctx context.Context, sess Session) error {
	data, err := sess.marshal()
	if err != nil {
		return fmt.Errorf("marshalling session: %w", err)
	}

	if err := c.store.SetData(ctx, SessionKey, data); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

func (s *Session) apply(tokens idp.Tokens, idToken idp.IDToken) {
	s.AccessToken = tokens.AccessToken
	s.TokenType = tokens.TokenType
	s.RefreshToken = tokens.RefreshToken
	s.ExpiresAt = tokens.Expiry.UTC()
	s.Scopes = tokens.Scopes

	if idToken.Raw != "" {
		s.IDToken = idToken.Raw
		s.Claims = Claims{
			Subject:  idToken.Subject,
			Issuer:   idToken.Issuer,
			Audience: idToken.Audience,
			Expiry:   idToken.Expiry.UTC(),
			IssuedAt: idToken.IssuedAt.UTC(),
			Nonce:    idToken.Nonce,
		}
	}
}

func stringClaim(claims map[string]any, names ...string) string {
	for _, name := range names {
		if s, ok := claims[name].(string); ok && s != "" {
			return s
		}
	}

	return ""
}
