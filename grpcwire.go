// Package grpcwire is a managed RPC runtime over HTTP/2. A Channel owns
// name resolution, load balancing, and transport pooling on the client
// side; a Server accepts connections and dispatches streams to registered
// handlers. Calls exchange length-prefixed messages with per-call metadata,
// deadlines, cancellation, and flow control.
package grpcwire

import (
	"context"

	"github.com/fullstorydev/grpcwire/codec"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
)

// CallListener receives the events of one client call. Callbacks are
// serialized: OnHeaders precedes the first OnMessage, messages arrive in
// receive order, and OnClose is last and exactly once. A panic from
// OnHeaders, OnMessage, or OnReady cancels the call with CANCELLED carrying
// the panic as cause, overriding any server status queued behind it.
type CallListener interface {
	// OnReady fires once the call has been handed to a transport.
	OnReady()
	OnHeaders(md *metadata.MD)
	// OnMessage delivers one decoded response message. At most one message
	// is delivered per Request permit.
	OnMessage(msg interface{})
	OnClose(st *status.Status, trailers *metadata.MD)
}

// ServerCallListener receives the events of one accepted call, on a
// serializing executor that preserves per-stream order.
type ServerCallListener interface {
	OnMessage(msg interface{})
	// OnHalfClose fires when the client finishes sending.
	OnHalfClose()
	// OnCancel fires when the call ends without a successful close flush:
	// client reset, deadline expiry, or connection loss.
	OnCancel()
	// OnComplete fires after the closing trailers were written.
	OnComplete()
}

// ServerCallHandler produces the listener for one accepted call. Returning
// nil refuses the call with INTERNAL.
type ServerCallHandler interface {
	StartCall(ctx context.Context, call *ServerCall, headers *metadata.MD) ServerCallListener
}

// ServerCallHandlerFunc adapts a function to ServerCallHandler.
type ServerCallHandlerFunc func(ctx context.Context, call *ServerCall, headers *metadata.MD) ServerCallListener

func (f ServerCallHandlerFunc) StartCall(ctx context.Context, call *ServerCall, headers *metadata.MD) ServerCallListener {
	return f(ctx, call, headers)
}

// MethodDesc describes one method of a service.
type MethodDesc struct {
	// Name is the bare method name, without the service prefix.
	Name    string
	Handler ServerCallHandler
	// RequestFactory allocates request messages for decoding. When nil, the
	// handler's listener receives raw []byte payloads.
	RequestFactory func() interface{}
}

// ServiceDesc describes a service: its fully-qualified name and methods.
type ServiceDesc struct {
	ServiceName string
	// Codec decodes request messages; nil means the proto codec.
	Codec   codec.Codec
	Methods []MethodDesc
}
