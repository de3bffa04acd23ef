package rpc

import (
	"context"
	"errors"
	"sync"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-worker/pkg/serviceerr"
)

// ErrClosed is returned once the transport has been closed.
var ErrClosed = errors.New("rpc: transport closed")

// Transport is the host end of a channel to a worker.
type Transport interface {
	Send(ctx context.Context, req Request) error
	// Responses is closed when the transport shuts down.
	Responses() <-chan Response
	Close() error
}

// Endpoint is the worker end of a channel to a host.
type Endpoint interface {
	// Requests is closed when the transport shuts down.
	Requests() <-chan Request
	Reply(ctx context.Context, resp Response) error
}

// Client correlates responses to calls by request id. Calls may be issued
// concurrently; responses may arrive in any order.
type Client struct {
	transport Transport

	mu      sync.Mutex
	pending map[string]chan Response

	done chan struct{}
}

func NewClient(t Transport) *Client {
	c := &Client{
		transport: t,
		pending:   make(map[string]chan Response),
		done:      make(chan struct{}),
	}
	go c.demux()

	return c
}

// Call sends method with args and decodes the result into result, which may
// be nil. When ctx ends first the call is abandoned: the worker may still
// complete it, and its response is dropped.
func (c *Client) Call(ctx context.Context, method string, args, result any) error {
	req, err := NewRequest(method, args)
	if err != nil {
		return err
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(ctx, req); err != nil {
		if ctx.Err() != nil {
			return serviceerr.Wrap(serviceerr.CodeAbandoned, ctx.Err(), method)
		}

		return serviceerr.Wrap(serviceerr.CodeUnknown, err, "sending "+method)
	}

	select {
	case resp := <-ch:
		return resp.Decode(result)
	case <-ctx.Done():
		return serviceerr.Wrap(serviceerr.CodeAbandoned, ctx.Err(), method)
	case <-c.done:
		return serviceerr.Wrap(serviceerr.CodeUnknown, ErrClosed, method)
	}
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) demux() {
	defer close(c.done)

	for resp := range c.transport.Responses() {
		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		c.mu.Unlock()

		if !ok {
			slogctx.Debug(context.Background(), "Dropping response without caller", "requestId", resp.RequestID)
			continue
		}

		// buffered and written once per id
		ch <- resp
	}
}
