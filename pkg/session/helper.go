// Package session is the host-side entry point. A Helper talks to the
// authentication worker either directly in-process or over an rpc.Client,
// and reports every failure as an *Error naming the operation.
package session

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-worker/pkg/rpc"
	"github.com/openkcm/session-worker/pkg/serviceerr"
)

// Backend performs one worker call. *rpc.Client is a Backend.
type Backend interface {
	Call(ctx context.Context, method string, args, result any) error
}

var _ Backend = (*rpc.Client)(nil)

// Policy decides what SignIn does while an earlier sign-in of the same
// helper is still outstanding.
type Policy int

const (
	// PolicyNewAttempt starts a new authorization request every time.
	PolicyNewAttempt Policy = iota
	// PolicyJoin hands out the outstanding request until it completes.
	PolicyJoin
)

type Option func(*Helper)

func WithPolicy(p Policy) Option {
	return func(h *Helper) { h.policy = p }
}

// WithRefreshSkew makes GetAccessToken refresh tokens that expire within d.
func WithRefreshSkew(d time.Duration) Option {
	return func(h *Helper) { h.refreshSkew = d }
}

type Helper struct {
	backend     Backend
	policy      Policy
	refreshSkew time.Duration

	mu       sync.Mutex
	inflight *rpc.SignInResult
}

func New(b Backend, opts ...Option) *Helper {
	h := &Helper{backend: b}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Remote returns a helper over an rpc client. This is the isolated setup:
// the client and its store live in the worker.
func Remote(c *rpc.Client, opts ...Option) *Helper {
	return New(c, opts...)
}

// Worker answers envelopes. The worker built by the session-worker binary
// satisfies it; so can any other implementation of the same methods.
type Worker interface {
	Handle(ctx context.Context, req rpc.Request) rpc.Response
	Serve(ctx context.Context, ep rpc.Endpoint) error
}

// Direct returns a helper that calls w in the caller's goroutine.
// Envelopes are still encoded, so behaviour matches Remote.
func Direct(w Worker, opts ...Option) *Helper {
	return New(direct{worker: w}, opts...)
}

type direct struct {
	worker Worker
}

func (d direct) Call(ctx context.Context, method string, args, result any) error {
	req, err := rpc.NewRequest(method, args)
	if err != nil {
		return err
	}

	return d.worker.Handle(ctx, req).Decode(result)
}

// StartIsolated serves w on its own goroutine behind an in-process pipe.
// stop closes the pipe and waits for in-flight calls.
func StartIsolated(ctx context.Context, w Worker, opts ...Option) (*Helper, func()) {
	tr, ep := rpc.NewPipe(16)
	ctx, cancel := context.WithCancel(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Serve(ctx, ep); err != nil {
			slogctx.Error(ctx, "Worker exited", "error", err)
		}
	}()

	client := rpc.NewClient(tr)
	stop := func() {
		_ = client.Close()
		cancel()
		<-done
	}

	return Remote(client, opts...), stop
}

// SignIn starts an authorization request. In redirect mode the result
// carries the URL to send the user to; in embedded mode the first flow step.
func (h *Helper) SignIn(ctx context.Context, params map[string]string) (rpc.SignInResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.policy == PolicyJoin && h.inflight != nil {
		slogctx.Debug(ctx, "Joining outstanding sign-in", "state", h.inflight.State)
		return *h.inflight, nil
	}

	var res rpc.SignInResult
	if err := h.backend.Call(ctx, rpc.MethodStartSignIn, rpc.SignInArgs{Params: params}, &res); err != nil {
		return rpc.SignInResult{}, &Error{Op: OpSignIn, Err: err}
	}

	if h.policy == PolicyJoin {
		h.inflight = &res
	}

	return res, nil
}

// HandleCallback completes the sign-in the callback belongs to.
func (h *Helper) HandleCallback(ctx context.Context, cb rpc.CallbackArgs) (rpc.SessionInfo, error) {
	h.forget(cb.State)

	var info rpc.SessionInfo
	if err := h.backend.Call(ctx, rpc.MethodCompleteSignIn, cb, &info); err != nil {
		return rpc.SessionInfo{}, &Error{Op: OpCallback, Err: err}
	}

	return info, nil
}

// HandleCallbackURL reads the callback parameters from the redirect URL.
func (h *Helper) HandleCallbackURL(ctx context.Context, u *url.URL) (rpc.SessionInfo, error) {
	return h.HandleCallback(ctx, CallbackFromQuery(u.Query()))
}

// CallbackFromQuery maps the provider's redirect parameters.
func CallbackFromQuery(q url.Values) rpc.CallbackArgs {
	return rpc.CallbackArgs{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// Cancel abandons an outstanding sign-in.
func (h *Helper) Cancel(ctx context.Context, state string) error {
	h.forget(state)

	if err := h.backend.Call(ctx, rpc.MethodCancelSignIn, rpc.CancelArgs{State: state}, nil); err != nil {
		return &Error{Op: OpCancel, Err: err}
	}

	return nil
}

// SignOut ends the session. The returned URL, if any, is the provider's
// end-session endpoint the user should be sent to.
func (h *Helper) SignOut(ctx context.Context, localOnly bool) (rpc.SignOutResult, error) {
	h.mu.Lock()
	h.inflight = nil
	h.mu.Unlock()

	var res rpc.SignOutResult
	if err := h.backend.Call(ctx, rpc.MethodSignOut, rpc.SignOutArgs{LocalOnly: localOnly}, &res); err != nil {
		return rpc.SignOutResult{}, &Error{Op: OpSignOut, Err: err}
	}

	return res, nil
}

func (h *Helper) IsAuthenticated(ctx context.Context) (bool, error) {
	var res rpc.AuthenticatedResult
	if err := h.backend.Call(ctx, rpc.MethodIsAuthenticated, nil, &res); err != nil {
		return false, &Error{Op: OpAuthCheck, Err: err}
	}

	return res.Authenticated, nil
}

// GetAccessToken returns the current access token, refreshing it first
// when it expires within the configured skew. Only a rejected grant or a
// missing session fail the lookup; any other refresh failure leaves the
// stored token in place.
func (h *Helper) GetAccessToken(ctx context.Context) (string, error) {
	if h.refreshSkew > 0 {
		if _, err := h.RefreshIfExpiring(ctx, h.refreshSkew); err != nil {
			if errors.Is(err, serviceerr.ErrInvalidGrant) || errors.Is(err, serviceerr.ErrNotAuthenticated) {
				return "", &Error{Op: OpAccessToken, Err: unwrap(err)}
			}
			slogctx.Warn(ctx, "Refreshing ahead of expiry failed, using the stored token", "error", err)
		}
	}

	var res rpc.AccessTokenResult
	if err := h.backend.Call(ctx, rpc.MethodGetAccessToken, nil, &res); err != nil {
		return "", &Error{Op: OpAccessToken, Err: err}
	}

	return res.AccessToken, nil
}

// GetUser returns the signed-in user's claims, or nil when nobody is
// signed in.
func (h *Helper) GetUser(ctx context.Context) (*rpc.UserProfile, error) {
	var user *rpc.UserProfile
	if err := h.backend.Call(ctx, rpc.MethodGetUser, nil, &user); err != nil {
		return nil, &Error{Op: OpUser, Err: err}
	}

	return user, nil
}

// GetProfile fetches the user's profile from the provider.
func (h *Helper) GetProfile(ctx context.Context) (rpc.Profile, error) {
	var profile rpc.Profile
	if err := h.backend.Call(ctx, rpc.MethodGetProfile, nil, &profile); err != nil {
		return rpc.Profile{}, &Error{Op: OpProfile, Err: err}
	}

	return profile, nil
}

func (h *Helper) Session(ctx context.Context) (rpc.SessionInfo, error) {
	var info rpc.SessionInfo
	if err := h.backend.Call(ctx, rpc.MethodGetSession, nil, &info); err != nil {
		return rpc.SessionInfo{}, &Error{Op: OpSession, Err: err}
	}

	return info, nil
}

func (h *Helper) Refresh(ctx context.Context) (rpc.SessionInfo, error) {
	var info rpc.SessionInfo
	if err := h.backend.Call(ctx, rpc.MethodRefresh, nil, &info); err != nil {
		return rpc.SessionInfo{}, &Error{Op: OpRefresh, Err: err}
	}

	return info, nil
}

// RefreshIfExpiring refreshes when the access token expires within window
// and reports whether it did.
func (h *Helper) RefreshIfExpiring(ctx context.Context, window time.Duration) (bool, error) {
	var res rpc.RefreshIfExpiringResult
	err := h.backend.Call(ctx, rpc.MethodRefreshIfExpiring, rpc.RefreshIfExpiringArgs{Window: window}, &res)
	if err != nil {
		return false, &Error{Op: OpRefresh, Err: err}
	}

	return res.Refreshed, nil
}

// Sweep drops expired authorization requests in the worker.
func (h *Helper) Sweep(ctx context.Context) (rpc.SweepResult, error) {
	var res rpc.SweepResult
	if err := h.backend.Call(ctx, rpc.MethodSweep, nil, &res); err != nil {
		return rpc.SweepResult{}, &Error{Op: OpSweep, Err: err}
	}

	return res, nil
}

func (h *Helper) forget(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inflight != nil && h.inflight.State == state {
		h.inflight = nil
	}
}
