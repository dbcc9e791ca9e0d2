// Package wiretesting provides an in-repo echo service and reusable test
// cases for exercising a channel end to end. The service uses the raw bytes
// codec, so tests need no generated message types.
package wiretesting

import (
	"context"

	"github.com/fullstorydev/grpcwire"
	"github.com/fullstorydev/grpcwire/codec"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
)

// Method names exposed by the echo service.
const (
	ServiceName      = "grpcwire.testing.Echo"
	UnaryMethod      = ServiceName + "/Echo"
	StreamMethod     = ServiceName + "/EchoStream"
	FailMethod       = ServiceName + "/Fail"
	unaryMethodName  = "Echo"
	streamMethodName = "EchoStream"
	failMethodName   = "Fail"
)

// Headers understood by the echo server.
const (
	// FailCodeKey asks the Fail method to close with this numeric code.
	FailCodeKey = "echo-fail-code"
	// FailMessageKey sets the status description for Fail.
	FailMessageKey = "echo-fail-message"
	// EchoHeaderKey values are copied into the response headers.
	EchoHeaderKey = "echo-header"
	// EchoTrailerKey values are copied into the response trailers.
	EchoTrailerKey = "echo-trailer"
)

// EchoServer implements the echo service against the raw call API.
type EchoServer struct{}

// ServiceDesc returns the service registration for s.
func (s *EchoServer) ServiceDesc() *grpcwire.ServiceDesc {
	return &grpcwire.ServiceDesc{
		ServiceName: ServiceName,
		Codec:       codec.Bytes{},
		Methods: []grpcwire.MethodDesc{
			{Name: unaryMethodName, Handler: grpcwire.ServerCallHandlerFunc(s.startEcho)},
			{Name: streamMethodName, Handler: grpcwire.ServerCallHandlerFunc(s.startEchoStream)},
			{Name: failMethodName, Handler: grpcwire.ServerCallHandlerFunc(s.startFail)},
		},
	}
}

// echoMD builds response headers/trailers from the request metadata.
func echoMD(md *metadata.MD, key string) *metadata.MD {
	out := metadata.New()
	for _, v := range md.GetAll(key) {
		out.Append(key, v)
	}
	return out
}

func (s *EchoServer) startEcho(ctx context.Context, call *grpcwire.ServerCall, md *metadata.MD) grpcwire.ServerCallListener {
	call.Request(2)
	return &unaryEchoListener{call: call, md: md}
}

type unaryEchoListener struct {
	call *grpcwire.ServerCall
	md   *metadata.MD
	req  []byte
	got  bool
}

func (l *unaryEchoListener) OnMessage(msg interface{}) {
	if l.got {
		l.call.Close(status.InvalidArgument.WithDescription("unary method received more than one request"), nil)
		return
	}
	l.got = true
	l.req = append([]byte(nil), msg.([]byte)...)
}

func (l *unaryEchoListener) OnHalfClose() {
	if !l.got {
		l.call.Close(status.InvalidArgument.WithDescription("unary method received no request"), nil)
		return
	}
	if hdrs := echoMD(l.md, EchoHeaderKey); hdrs.Len() > 0 {
		l.call.SendHeaders(hdrs)
	}
	if err := l.call.SendMessage(l.req); err != nil {
		return
	}
	l.call.Close(status.OK, echoMD(l.md, EchoTrailerKey))
}

func (l *unaryEchoListener) OnCancel()   {}
func (l *unaryEchoListener) OnComplete() {}

func (s *EchoServer) startEchoStream(ctx context.Context, call *grpcwire.ServerCall, md *metadata.MD) grpcwire.ServerCallListener {
	call.Request(1)
	return &streamEchoListener{call: call, md: md}
}

type streamEchoListener struct {
	call *grpcwire.ServerCall
	md   *metadata.MD
}

func (l *streamEchoListener) OnMessage(msg interface{}) {
	if err := l.call.SendMessage(msg.([]byte)); err != nil {
		return
	}
	l.call.Request(1)
}

func (l *streamEchoListener) OnHalfClose() {
	l.call.Close(status.OK, echoMD(l.md, EchoTrailerKey))
}

func (l *streamEchoListener) OnCancel()   {}
func (l *streamEchoListener) OnComplete() {}

func (s *EchoServer) startFail(ctx context.Context, call *grpcwire.ServerCall, md *metadata.MD) grpcwire.ServerCallListener {
	call.Request(1)
	return &failListener{call: call, md: md}
}

type failListener struct {
	call *grpcwire.ServerCall
	md   *metadata.MD
}

func (l *failListener) OnMessage(interface{}) {}

func (l *failListener) OnHalfClose() {
	code := 2 // UNKNOWN
	if raw, ok := l.md.Get(FailCodeKey); ok {
		code = atoi(raw, code)
	}
	st := status.FromCodeValue(code)
	if msg, ok := l.md.Get(FailMessageKey); ok {
		st = st.WithDescription(msg)
	}
	l.call.Close(st, echoMD(l.md, EchoTrailerKey))
}

func (l *failListener) OnCancel()   {}
func (l *failListener) OnComplete() {}

func atoi(s string, def int) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return def
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}

// CallOptions returns options configured for the echo service's raw codec.
func CallOptions() grpcwire.CallOptions {
	return grpcwire.CallOptions{}.WithCodec(codec.Bytes{})
}
