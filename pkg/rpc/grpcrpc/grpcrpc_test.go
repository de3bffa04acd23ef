package grpcrpc_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/openkcm/session-worker/pkg/rpc"
	"github.com/openkcm/session-worker/pkg/rpc/grpcrpc"
	"github.com/openkcm/session-worker/pkg/serviceerr"
)

type handlerFunc func(ctx context.Context, req rpc.Request) rpc.Response

func (f handlerFunc) Handle(ctx context.Context, req rpc.Request) rpc.Response {
	return f(ctx, req)
}

func startServer(t *testing.T, h grpcrpc.Handler, opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(opts...)
	grpcrpc.RegisterServer(srv, h)

	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestTransport(t *testing.T) {
	echo := handlerFunc(func(_ context.Context, req rpc.Request) rpc.Response {
		if req.Method == "fail" {
			return rpc.ErrorResponse(req.RequestID, serviceerr.ErrUnknownOrExpiredRequest)
		}

		resp, err := rpc.ResultResponse(req.RequestID, req.Args)
		if err != nil {
			return rpc.ErrorResponse(req.RequestID, err)
		}

		return resp
	})

	t.Run("round trip", func(t *testing.T) {
		conn := startServer(t, echo)
		c := rpc.NewClient(grpcrpc.NewTransport(conn))
		defer c.Close()

		var got map[string]any
		err := c.Call(t.Context(), "echo", map[string]any{"state": "request_0"}, &got)
		require.NoError(t, err)
		assert.Equal(t, "request_0", got["state"])
	})

	t.Run("error kind survives", func(t *testing.T) {
		conn := startServer(t, echo)
		c := rpc.NewClient(grpcrpc.NewTransport(conn))
		defer c.Close()

		err := c.Call(t.Context(), "fail", nil, nil)
		assert.ErrorIs(t, err, serviceerr.ErrUnknownOrExpiredRequest)
	})

	t.Run("interceptor sees the call", func(t *testing.T) {
		var seen string
		interceptor := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			seen = info.FullMethod
			return handler(ctx, req)
		}

		conn := startServer(t, echo, grpc.UnaryInterceptor(interceptor))
		c := rpc.NewClient(grpcrpc.NewTransport(conn))
		defer c.Close()

		require.NoError(t, c.Call(t.Context(), "echo", nil, nil))
		assert.Equal(t, grpcrpc.FullMethodCall, seen)
	})

	t.Run("unreachable server is a network error", func(t *testing.T) {
		conn, err := grpc.NewClient("passthrough:///nowhere",
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
				return nil, net.ErrClosed
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		require.NoError(t, err)
		defer conn.Close()

		c := rpc.NewClient(grpcrpc.NewTransport(conn))
		defer c.Close()

		err = c.Call(t.Context(), "echo", nil, nil)
		assert.ErrorIs(t, err, serviceerr.ErrNetwork)
	})

	t.Run("send after close fails", func(t *testing.T) {
		conn := startServer(t, echo)
		tr := grpcrpc.NewTransport(conn)
		require.NoError(t, tr.Close())

		err := tr.Send(t.Context(), rpc.Request{RequestID: "1", Method: "echo"})
		assert.ErrorIs(t, err, rpc.ErrClosed)
	})
}
