package grpcwire

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/transport"
)

// nopTransportListener satisfies the fakes' lifecycle callbacks in tests
// that exercise a call directly, without a channel.
type nopTransportListener struct{}

func (nopTransportListener) TransportReady()                  {}
func (nopTransportListener) TransportShutdown(*status.Status) {}
func (nopTransportListener) TransportTerminated()             {}
func (nopTransportListener) TransportInUse(bool)              {}

type staticPicker struct {
	t transport.ClientTransport
}

func (p staticPicker) pickTransport(bool) transport.ClientTransport { return p.t }

func newDirectCall(method string, opts CallOptions, t transport.ClientTransport) *ClientCall {
	return &ClientCall{
		method: method,
		opts:   opts,
		picker: staticPicker{t: t},
		done:   make(chan struct{}),
	}
}

// orderedListener records the callback sequence for ordering assertions.
type orderedListener struct {
	mu      sync.Mutex
	events  []string
	msgs    []string
	st      *status.Status
	closes  int
	done    chan struct{}
	panicOn string
}

func newOrderedListener() *orderedListener {
	return &orderedListener{done: make(chan struct{})}
}

func (l *orderedListener) record(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *orderedListener) OnReady() {
	l.record("ready")
	if l.panicOn == "ready" {
		panic("boom in OnReady")
	}
}

func (l *orderedListener) OnHeaders(*metadata.MD) {
	l.record("headers")
	if l.panicOn == "headers" {
		panic("boom in OnHeaders")
	}
}

func (l *orderedListener) OnMessage(msg interface{}) {
	l.record("message")
	l.mu.Lock()
	l.msgs = append(l.msgs, string(msg.([]byte)))
	l.mu.Unlock()
	if l.panicOn == "message" {
		panic("boom in OnMessage")
	}
}

func (l *orderedListener) OnClose(st *status.Status, _ *metadata.MD) {
	l.record("close")
	l.mu.Lock()
	l.st = st
	l.closes++
	n := l.closes
	l.mu.Unlock()
	if n == 1 {
		close(l.done)
	}
}

func (l *orderedListener) await(t *testing.T) *status.Status {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		t.Fatal("call never closed")
	}
	// let any stray callbacks land before the caller asserts
	time.Sleep(20 * time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st
}

func (l *orderedListener) sequence() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func startedStream(t *testing.T, ft *fakeClientTransport) *fakeCallStream {
	t.Helper()
	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.streams) == 1
	}, 5*time.Second, time.Millisecond)
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.streams[0]
}

func TestListenerOrderingAndSingleClose(t *testing.T) {
	ft := &fakeClientTransport{listener: nopTransportListener{}}
	call := newDirectCall("svc/M", rawCallOptions(), ft)
	l := newOrderedListener()
	call.Start(context.Background(), l, nil)
	call.Request(2)

	s := startedStream(t, ft)
	s.sl.OnHeaders(metadata.New())
	s.sl.OnMessage([]byte("m1"))
	s.sl.OnMessage([]byte("m2"))
	s.sl.OnClose(status.OK, metadata.New())

	st := l.await(t)
	require.True(t, st.IsOK())
	assert.Equal(t, []string{"ready", "headers", "message", "message", "close"}, l.sequence())
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 1, l.closes)
	assert.Equal(t, []string{"m1", "m2"}, l.msgs)
}

func TestListenerPanicOverridesQueuedServerStatus(t *testing.T) {
	ft := &fakeClientTransport{listener: nopTransportListener{}}
	call := newDirectCall("svc/M", rawCallOptions(), ft)
	l := newOrderedListener()
	l.panicOn = "message"
	call.Start(context.Background(), l, nil)
	call.Request(1)

	s := startedStream(t, ft)
	// the server's OK close is queued right behind the message that panics
	s.sl.OnHeaders(metadata.New())
	s.sl.OnMessage([]byte("poison"))
	s.sl.OnClose(status.OK, metadata.New())

	st := l.await(t)
	assert.Equal(t, codes.Canceled, st.Code())
	require.Error(t, st.Cause())
	assert.Contains(t, st.Cause().Error(), "boom in OnMessage")

	// the wire stream was reset
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	assert.Empty(t, s.t.streams, "stream must be cancelled on the transport")
}

func TestDeadlineCancelsStream(t *testing.T) {
	ft := &fakeClientTransport{listener: nopTransportListener{}}
	call := newDirectCall("svc/M", rawCallOptions().WithDeadlineAfter(30*time.Millisecond), ft)
	l := newOrderedListener()
	call.Start(context.Background(), l, nil)

	s := startedStream(t, ft)
	assert.True(t, s.hdr.HasTimeout, "deadline must be serialized to the transport")

	st := l.await(t)
	assert.Equal(t, codes.DeadlineExceeded, st.Code())
}

func TestContextCancellationPropagates(t *testing.T) {
	ft := &fakeClientTransport{listener: nopTransportListener{}}
	call := newDirectCall("svc/M", rawCallOptions(), ft)
	l := newOrderedListener()
	ctx, cancel := context.WithCancel(context.Background())
	call.Start(ctx, l, nil)
	startedStream(t, ft)

	cancel()
	st := l.await(t)
	assert.Equal(t, codes.Canceled, st.Code())
}

func TestSmallerDeadlineWins(t *testing.T) {
	ft := &fakeClientTransport{listener: nopTransportListener{}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	call := newDirectCall("svc/M", rawCallOptions().WithDeadlineAfter(time.Minute), ft)
	call.Start(ctx, newOrderedListener(), nil)
	s := startedStream(t, ft)
	require.True(t, s.hdr.HasTimeout)
	assert.LessOrEqual(t, s.hdr.Timeout, time.Minute)
}

func TestSendAfterHalfCloseRejected(t *testing.T) {
	ft := &fakeClientTransport{listener: nopTransportListener{}}
	call := newDirectCall("svc/M", rawCallOptions(), ft)
	l := newOrderedListener()
	call.Start(context.Background(), l, nil)
	s := startedStream(t, ft)

	require.NoError(t, call.SendMessage([]byte("ok")))
	call.HalfClose()
	call.HalfClose() // idempotent

	err := call.SendMessage([]byte("late"))
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.FromError(err).Code())

	s.sl.OnClose(status.OK, metadata.New())
	require.True(t, l.await(t).IsOK())
}

func TestCancelFirstWins(t *testing.T) {
	ft := &fakeClientTransport{listener: nopTransportListener{}}
	call := newDirectCall("svc/M", rawCallOptions(), ft)
	l := newOrderedListener()
	call.Start(context.Background(), l, nil)
	startedStream(t, ft)

	call.Cancel("first", nil)
	call.Cancel("second", nil)

	st := l.await(t)
	assert.Equal(t, codes.Canceled, st.Code())
	assert.Equal(t, "first", st.Description())
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 1, l.closes)
}

func TestReservedHeadersScrubbed(t *testing.T) {
	ft := &fakeClientTransport{listener: nopTransportListener{}}
	call := newDirectCall("svc/M", rawCallOptions(), ft)
	hdrs := metadata.Pairs(
		"user-agent", "spoofed",
		"grpc-timeout", "1S",
		"grpc-encoding", "gzip",
		"grpc-accept-encoding", "gzip",
		"keep-me", "v",
	)
	call.Start(context.Background(), newOrderedListener(), hdrs)
	s := startedStream(t, ft)

	for _, k := range []string{"user-agent", "grpc-timeout", "grpc-encoding", "grpc-accept-encoding"} {
		_, ok := s.hdr.Headers.Get(k)
		assert.False(t, ok, "reserved header %q must be scrubbed", k)
	}
	v, ok := s.hdr.Headers.Get("keep-me")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestStartOnShutDownChannelFails(t *testing.T) {
	factory := &fakeFactory{}
	ch := testChannel(t, factory)
	ch.Shutdown()

	call := ch.NewCall("svc/M", rawCallOptions())
	rec := newCloseRecorder()
	call.Start(context.Background(), rec, nil)
	assert.Equal(t, codes.Unavailable, rec.await(t).Code())
	assert.Equal(t, 0, factory.count())
}
