package rpc_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/session-worker/pkg/rpc"
	"github.com/openkcm/session-worker/pkg/serviceerr"
)

type echoArgs struct {
	Value string `json:"value"`
}

// serve answers requests on ep with handle until the endpoint closes.
func serve(t *testing.T, ep rpc.Endpoint, handle func(rpc.Request) rpc.Response) {
	t.Helper()

	go func() {
		for req := range ep.Requests() {
			go func() {
				_ = ep.Reply(context.Background(), handle(req))
			}()
		}
	}()
}

func echo(req rpc.Request) rpc.Response {
	resp, err := rpc.ResultResponse(req.RequestID, req.Args)
	if err != nil {
		return rpc.ErrorResponse(req.RequestID, err)
	}

	return resp
}

func newPipeClient(t *testing.T, handle func(rpc.Request) rpc.Response) *rpc.Client {
	t.Helper()

	tr, ep := rpc.NewPipe(8)
	serve(t, ep, handle)

	c := rpc.NewClient(tr)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestClient_Call(t *testing.T) {
	ctx := t.Context()

	t.Run("result is decoded", func(t *testing.T) {
		c := newPipeClient(t, echo)

		var got echoArgs
		err := c.Call(ctx, "echo", echoArgs{Value: "hello"}, &got)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Value)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("nil result is allowed", func(t *testing.T) {
		c := newPipeClient(t, echo)
		require.NoError(t, c.Call(ctx, "echo", nil, nil))
	})

	t.Run("error envelope keeps its kind", func(t *testing.T) {
		c := newPipeClient(t, func(req rpc.Request) rpc.Response {
			return rpc.ErrorResponse(req.RequestID, serviceerr.New(serviceerr.CodeInvalidGrant, "refresh token revoked"))
		})

		err := c.Call(ctx, "refresh", nil, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, serviceerr.ErrInvalidGrant)
		assert.Equal(t, "refresh token revoked", serviceerr.Description(err))
	})

	t.Run("args must be an object", func(t *testing.T) {
		c := newPipeClient(t, echo)

		err := c.Call(ctx, "echo", "just a string", nil)
		assert.ErrorIs(t, err, serviceerr.ErrInvalidRequest)
	})

	t.Run("args are copied", func(t *testing.T) {
		var seen rpc.Request
		done := make(chan struct{})
		c := newPipeClient(t, func(req rpc.Request) rpc.Response {
			seen = req
			close(done)
			return echo(req)
		})

		args := map[string]any{"value": "before"}
		require.NoError(t, c.Call(ctx, "echo", args, nil))
		<-done

		args["value"] = "after"
		assert.Equal(t, "before", seen.Args["value"])
		assert.NotEmpty(t, seen.RequestID)
	})
}

func TestClient_Abandoned(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})

	c := newPipeClient(t, func(req rpc.Request) rpc.Response {
		<-release
		defer close(finished)
		return echo(req)
	})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := c.Call(ctx, "echo", echoArgs{Value: "late"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, serviceerr.ErrAbandoned)
	assert.Equal(t, 0, c.Pending())

	// the worker still finishes and its late response is dropped
	close(release)
	<-finished

	var got echoArgs
	require.NoError(t, c.Call(t.Context(), "echo", echoArgs{Value: "next"}, &got))
	assert.Equal(t, "next", got.Value)
}

func TestClient_ConcurrentCallsOutOfOrder(t *testing.T) {
	c := newPipeClient(t, func(req rpc.Request) rpc.Response {
		// later calls answer first
		var n int
		_, _ = fmt.Sscanf(req.Args["value"].(string), "%d", &n)
		time.Sleep(time.Duration(20-n) * time.Millisecond)

		return echo(req)
	})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			want := fmt.Sprintf("%d", i)

			var got echoArgs
			err := c.Call(t.Context(), "echo", echoArgs{Value: want}, &got)
			assert.NoError(t, err)
			assert.Equal(t, want, got.Value)
		})
	}
	wg.Wait()
	assert.Equal(t, 0, c.Pending())
}

func TestClient_Closed(t *testing.T) {
	tr, _ := rpc.NewPipe(0)
	c := rpc.NewClient(tr)
	require.NoError(t, c.Close())

	err := c.Call(t.Context(), "echo", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, rpc.ErrClosed)
	assert.ErrorIs(t, err, serviceerr.ErrUnknown)
}
