// Package grpcrpc carries worker envelopes over gRPC. Every envelope is one
// unary Call encoded with a JSON codec, so no generated stubs are needed.
package grpcrpc

import (
	"context"
	"encoding/json"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/openkcm/session-worker/pkg/rpc"
	"github.com/openkcm/session-worker/pkg/serviceerr"
)

const (
	ServiceName    = "sessionworker.v1.Worker"
	FullMethodCall = "/" + ServiceName + "/Call"

	codecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

// Handler answers one request. It must always return a response with the
// request's id.
type Handler interface {
	Handle(ctx context.Context, req rpc.Request) rpc.Response
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterServer(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rpc.Request)
	if err := dec(in); err != nil {
		return nil, err
	}

	//nolint:forcetypeassert
	h := srv.(Handler)

	handle := func(ctx context.Context, req any) (any, error) {
		//nolint:forcetypeassert
		resp := h.Handle(ctx, *req.(*rpc.Request))
		return &resp, nil
	}

	if interceptor == nil {
		return handle(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: FullMethodCall,
	}

	return interceptor(ctx, in, info, handle)
}

// Transport is the host end over a gRPC connection. Each Send issues its own
// unary call; responses are delivered in completion order.
type Transport struct {
	conn grpc.ClientConnInterface

	responses chan rpc.Response
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ rpc.Transport = (*Transport)(nil)

func NewTransport(conn grpc.ClientConnInterface) *Transport {
	return &Transport{
		conn:      conn,
		responses: make(chan rpc.Response, 16),
	}
}

func (t *Transport) Send(ctx context.Context, req rpc.Request) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return rpc.ErrClosed
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		resp := new(rpc.Response)
		err := t.conn.Invoke(ctx, FullMethodCall, req, resp, grpc.CallContentSubtype(codecName))
		if err != nil {
			resp = &rpc.Response{
				RequestID: req.RequestID,
				ErrorKind: string(serviceerr.CodeNetwork),
				Message:   err.Error(),
			}
		}

		t.responses <- *resp
	}()

	return nil
}

func (t *Transport) Responses() <-chan rpc.Response {
	return t.responses
}

// Close waits for in-flight calls and closes Responses. The connection is
// owned by the caller.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	go func() {
		t.wg.Wait()
		close(t.responses)
	}()

	return nil
}
