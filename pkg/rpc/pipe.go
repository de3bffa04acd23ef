package rpc

import (
	"context"
	"encoding/json"
	"sync"

	slogctx "github.com/veqryn/slog-context"
)

// pipe connects a host and a worker running in the same process. Envelopes
// are serialized on the way through so neither side sees the other's memory.
type pipe struct {
	requests  chan []byte
	responses chan []byte

	in  chan Request
	out chan Response

	closed    chan struct{}
	closeOnce sync.Once
}

// NewPipe returns both ends of an in-process channel. buffer sizes the
// queues in each direction.
func NewPipe(buffer int) (Transport, Endpoint) {
	p := &pipe{
		requests:  make(chan []byte, buffer),
		responses: make(chan []byte, buffer),
		in:        make(chan Request),
		out:       make(chan Response),
		closed:    make(chan struct{}),
	}

	go forward(p.requests, p.in, p.closed)
	go forward(p.responses, p.out, p.closed)

	return (*pipeTransport)(p), (*pipeEndpoint)(p)
}

type pipeTransport pipe

func (t *pipeTransport) Send(ctx context.Context, req Request) error {
	return (*pipe)(t).push(ctx, t.requests, req)
}

func (t *pipeTransport) Responses() <-chan Response {
	return t.out
}

func (t *pipeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

type pipeEndpoint pipe

func (e *pipeEndpoint) Requests() <-chan Request {
	return e.in
}

func (e *pipeEndpoint) Reply(ctx context.Context, resp Response) error {
	return (*pipe)(e).push(ctx, e.responses, resp)
}

func (p *pipe) push(ctx context.Context, ch chan<- []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	select {
	case ch <- b:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func forward[T any](src <-chan []byte, dst chan<- T, closed <-chan struct{}) {
	defer close(dst)

	for {
		select {
		case <-closed:
			return
		case b := <-src:
			var v T
			if err := json.Unmarshal(b, &v); err != nil {
				slogctx.Error(context.Background(), "Dropping undecodable envelope", "error", err)
				continue
			}

			select {
			case dst <- v:
			case <-closed:
				return
			}
		}
	}
}
