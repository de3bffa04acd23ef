// Package worker exposes an authclient.Client through the rpc envelope
// protocol. The worker is the only owner of the client and its store.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-worker/internal/authclient"
	"github.com/openkcm/session-worker/internal/idp"
	"github.com/openkcm/session-worker/pkg/rpc"
	"github.com/openkcm/session-worker/pkg/rpc/grpcrpc"
	"github.com/openkcm/session-worker/pkg/serviceerr"
	"github.com/openkcm/session-worker/pkg/session"
)

const instrumentationName = "github.com/openkcm/session-worker/internal/worker"

type method struct {
	mutating bool
	call     func(ctx context.Context, args map[string]any) (any, error)
}

// handle binds a typed operation to the wire. Args are decoded from the
// envelope's JSON object using the json tags of A.
func handle[A, R any](mutating bool, fn func(context.Context, A) (R, error)) method {
	return method{
		mutating: mutating,
		call: func(ctx context.Context, raw map[string]any) (any, error) {
			var args A
			if err := decodeArgs(raw, &args); err != nil {
				return nil, serviceerr.Wrap(serviceerr.CodeInvalidRequest, err, "decoding args")
			}

			return fn(ctx, args)
		},
	}
}

type none struct{}

type Worker struct {
	client  *authclient.Client
	methods map[string]method

	// mu lets reads run together and keeps mutations exclusive.
	mu sync.RWMutex

	tracer trace.Tracer
	calls  metric.Int64Counter
}

var (
	_ grpcrpc.Handler = (*Worker)(nil)
	_ session.Worker  = (*Worker)(nil)
)

func New(client *authclient.Client) (*Worker, error) {
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(otel.Version()))

	calls, err := meter.Int64Counter(
		"session_worker.rpc.calls",
		metric.WithDescription("Worker calls by method and outcome"),
		metric.WithUnit("call"),
	)
	if err != nil {
		return nil, oops.In("Worker").Wrapf(err, "creating call counter")
	}

	w := &Worker{
		client: client,
		tracer: otel.Tracer(instrumentationName),
		calls:  calls,
	}
	w.methods = w.table()

	return w, nil
}

func (w *Worker) table() map[string]method {
	c := w.client

	return map[string]method{
		rpc.MethodStartSignIn: handle(true, c.StartSignIn),
		rpc.MethodCompleteSignIn: handle(true, func(ctx context.Context, cb authclient.Callback) (authclient.SessionInfo, error) {
			sess, err := c.CompleteSignIn(ctx, cb)
			return sess.Info(), err
		}),
		rpc.MethodRefresh: handle(true, func(ctx context.Context, _ none) (authclient.SessionInfo, error) {
			sess, err := c.Refresh(ctx)
			return sess.Info(), err
		}),
		rpc.MethodRefreshIfExpiring: handle(true, func(ctx context.Context, args rpc.RefreshIfExpiringArgs) (rpc.RefreshIfExpiringResult, error) {
			refreshed, err := c.RefreshIfExpiring(ctx, args.Window)
			return rpc.RefreshIfExpiringResult{Refreshed: refreshed}, err
		}),
		rpc.MethodSignOut: handle(true, c.SignOut),
		rpc.MethodCancelSignIn: handle(true, func(ctx context.Context, args rpc.CancelArgs) (none, error) {
			return none{}, c.CancelSignIn(ctx, args.State)
		}),
		rpc.MethodSweep: handle(true, func(ctx context.Context, _ none) (rpc.SweepResult, error) {
			removed, err := c.Sweep(ctx)
			return rpc.SweepResult{Removed: removed, Outstanding: c.Outstanding()}, err
		}),

		rpc.MethodGetUser: handle(false, func(ctx context.Context, _ none) (*authclient.UserProfile, error) {
			return c.GetUser(ctx)
		}),
		rpc.MethodGetProfile: handle(false, func(ctx context.Context, _ none) (idp.Profile, error) {
			return c.GetProfile(ctx)
		}),
		rpc.MethodGetAccessToken: handle(false, func(ctx context.Context, _ none) (rpc.AccessTokenResult, error) {
			token, err := c.GetAccessToken(ctx)
			return rpc.AccessTokenResult{AccessToken: token}, err
		}),
		rpc.MethodIsAuthenticated: handle(false, func(ctx context.Context, _ none) (rpc.AuthenticatedResult, error) {
			ok, err := c.IsAuthenticated(ctx)
			return rpc.AuthenticatedResult{Authenticated: ok}, err
		}),
		rpc.MethodGetSession: handle(false, func(ctx context.Context, _ none) (authclient.SessionInfo, error) {
			return c.SessionInfo(ctx)
		}),
	}
}

// Handle runs one request to completion and always answers with the
// request's id. The caller's cancellation does not reach the operation.
func (w *Worker) Handle(ctx context.Context, req rpc.Request) (resp rpc.Response) {
	ctx = context.WithoutCancel(ctx)
	ctx = slogctx.With(ctx, "requestId", req.RequestID, "method", req.Method)

	ctx, span := w.tracer.Start(ctx, "worker.Handle", trace.WithAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String("rpc.request_id", req.RequestID),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slogctx.Error(ctx, "Recovered from panic in worker method", "panic", r)
			resp = rpc.ErrorResponse(req.RequestID, serviceerr.New(serviceerr.CodeUnknown, "internal error in %s", req.Method))
		}

		w.record(ctx, span, req.Method, resp)
	}()

	m, ok := w.methods[req.Method]
	if !ok {
		return rpc.ErrorResponse(req.RequestID, serviceerr.New(serviceerr.CodeUnsupportedOperation, "unsupported method %q", req.Method))
	}

	if m.mutating {
		w.mu.Lock()
		defer w.mu.Unlock()
	} else {
		w.mu.RLock()
		defer w.mu.RUnlock()
	}

	result, err := m.call(ctx, req.Args)
	if err != nil {
		return rpc.ErrorResponse(req.RequestID, err)
	}

	resp, err = rpc.ResultResponse(req.RequestID, result)
	if err != nil {
		return rpc.ErrorResponse(req.RequestID, serviceerr.Wrap(serviceerr.CodeUnknown, err, "encoding result"))
	}

	return resp
}

// Serve answers requests from ep until it closes or ctx ends. Each request
// runs on its own goroutine; Serve waits for them before returning.
func (w *Worker) Serve(ctx context.Context, ep rpc.Endpoint) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	slogctx.Info(ctx, "Worker started")
	defer slogctx.Info(ctx, "Worker stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-ep.Requests():
			if !ok {
				return nil
			}

			wg.Go(func() {
				resp := w.Handle(ctx, req)
				if err := ep.Reply(context.WithoutCancel(ctx), resp); err != nil {
					slogctx.Warn(ctx, "Could not deliver response", "requestId", req.RequestID, "error", err)
				}
			})
		}
	}
}

func (w *Worker) record(ctx context.Context, span trace.Span, method string, resp rpc.Response) {
	outcome := "ok"
	if resp.ErrorKind != "" {
		outcome = resp.ErrorKind
		span.SetStatus(codes.Error, resp.Message)
	}

	if _, known := w.methods[method]; !known {
		method = "unknown"
	}

	span.SetAttributes(attribute.String("rpc.outcome", outcome))
	w.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
}

func decodeArgs(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		Result:      out,
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	if raw == nil {
		return nil
	}

	return dec.Decode(raw)
}
