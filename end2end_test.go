package grpcwire_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/grpcwire"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/wiretesting"
)

func startEchoServer(t *testing.T) (*grpcwire.Server, string) {
	t.Helper()
	svr := grpcwire.NewServer()
	svr.RegisterService((&wiretesting.EchoServer{}).ServiceDesc())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, svr.Start(lis))
	t.Cleanup(func() {
		svr.ShutdownNow(status.Unavailable.WithDescription("test over"))
	})
	return svr, lis.Addr().String()
}

func dialEcho(t *testing.T, addr string, opts ...grpcwire.DialOption) *grpcwire.Channel {
	t.Helper()
	ch, err := grpcwire.Dial("passthrough:///"+addr, opts...)
	require.NoError(t, err)
	t.Cleanup(ch.ShutdownNow)
	return ch
}

func TestEndToEnd(t *testing.T) {
	_, addr := startEchoServer(t)
	ch := dialEcho(t, addr)
	wiretesting.RunChannelTestCases(t, ch)
}

func TestEndToEndUnimplementedMethod(t *testing.T) {
	_, addr := startEchoServer(t)
	ch := dialEcho(t, addr)

	call := ch.NewCall("no.such.Service/Method", wiretesting.CallOptions())
	l := wiretesting.NewCollectListener()
	call.Start(context.Background(), l, nil)
	call.Request(1)
	require.NoError(t, call.SendMessage([]byte("x")))
	call.HalfClose()

	st := l.Await(t, 5*time.Second)
	assert.Equal(t, codes.Unimplemented, st.Code())
	assert.Contains(t, st.Description(), "no.such.Service/Method")
}

func TestEndToEndDeadlinePropagation(t *testing.T) {
	_, addr := startEchoServer(t)
	ch := dialEcho(t, addr)

	// the stream method never closes on its own; the deadline must end it
	call := ch.NewCall(wiretesting.StreamMethod,
		wiretesting.CallOptions().WithDeadlineAfter(150*time.Millisecond))
	l := wiretesting.NewCollectListener()
	call.Start(context.Background(), l, nil)
	call.Request(1)
	require.NoError(t, call.SendMessage([]byte("hold open")))

	st := l.Await(t, 5*time.Second)
	assert.Equal(t, codes.DeadlineExceeded, st.Code())
}

func TestEndToEndServerShutdown(t *testing.T) {
	svr, addr := startEchoServer(t)
	ch := dialEcho(t, addr)

	// complete one call so a connection exists
	var resp []byte
	require.NoError(t, ch.Invoke(context.Background(), wiretesting.UnaryMethod,
		[]byte("warmup"), &resp, wiretesting.CallOptions()))

	svr.Shutdown()
	assert.True(t, svr.IsShutdown())
	assert.True(t, svr.AwaitTermination(5*time.Second))
	assert.True(t, svr.IsTerminated())
}

func TestEndToEndChannelTermination(t *testing.T) {
	_, addr := startEchoServer(t)
	ch := dialEcho(t, addr)

	var resp []byte
	require.NoError(t, ch.Invoke(context.Background(), wiretesting.UnaryMethod,
		[]byte("once"), &resp, wiretesting.CallOptions()))

	ch.Shutdown()
	assert.True(t, ch.AwaitTermination(5*time.Second))
	assert.True(t, ch.IsTerminated())
	assert.True(t, ch.IsShutdown())
}

func TestEndToEndOutgoingMetadata(t *testing.T) {
	_, addr := startEchoServer(t)
	ch := dialEcho(t, addr)

	ctx := grpcwire.WithOutgoingMetadata(context.Background(),
		metadata.Pairs(wiretesting.FailCodeKey, "7", wiretesting.FailMessageKey, "denied"))
	var resp []byte
	err := ch.Invoke(ctx, wiretesting.FailMethod, []byte("x"), &resp, wiretesting.CallOptions())
	require.Error(t, err)
	st := status.FromError(err)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	assert.Equal(t, "denied", st.Description())
}

func TestEndToEndStartErrors(t *testing.T) {
	svr := grpcwire.NewServer()
	svr.RegisterService((&wiretesting.EchoServer{}).ServiceDesc())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, svr.Start(lis))
	assert.Error(t, svr.Start(lis), "second Start must fail")

	svr.Shutdown()
	assert.True(t, svr.AwaitTermination(5*time.Second))

	svr2 := grpcwire.NewServer()
	svr2.Shutdown()
	lis2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis2.Close()
	assert.Error(t, svr2.Start(lis2), "Start after Shutdown must fail")
}
