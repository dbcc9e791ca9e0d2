package grpcwire

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/grpcwire/codec"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/resolver"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/transport"
)

// fakeFactory hands out scripted in-memory transports.
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeClientTransport
	failWith   error
}

func (f *fakeFactory) NewClientTransport(addr, authority string, l transport.ClientTransportListener) (transport.ClientTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	t := &fakeClientTransport{listener: l}
	f.transports = append(f.transports, t)
	// ready fires as soon as the pool binds the listener
	l.TransportReady()
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) last() *fakeClientTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

type fakeClientTransport struct {
	listener transport.ClientTransportListener

	mu         sync.Mutex
	streams    []*fakeCallStream
	shutdown   bool
	terminated bool
}

type fakeCallStream struct {
	t   *fakeClientTransport
	hdr *transport.CallHdr
	sl  transport.ClientStreamListener
}

func (t *fakeClientTransport) NewStream(ctx context.Context, hdr *transport.CallHdr, l transport.ClientStreamListener) (transport.ClientStream, error) {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil, &transport.StreamError{Status: status.Unavailable.WithDescription("transport is shutting down")}
	}
	s := &fakeCallStream{t: t, hdr: hdr, sl: l}
	t.streams = append(t.streams, s)
	first := len(t.streams) == 1
	t.mu.Unlock()
	if first {
		t.listener.TransportInUse(true)
	}
	return s, nil
}

func (t *fakeClientTransport) Ping(cb func(time.Duration, error)) {
	if cb != nil {
		cb(time.Millisecond, nil)
	}
}

func (t *fakeClientTransport) Shutdown(st *status.Status) {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	t.shutdown = true
	empty := len(t.streams) == 0
	t.mu.Unlock()
	t.listener.TransportShutdown(st)
	if empty {
		t.terminate()
	}
}

func (t *fakeClientTransport) ShutdownNow(st *status.Status) {
	t.Shutdown(st)
	t.completeAll(st)
}

func (t *fakeClientTransport) terminate() {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return
	}
	t.terminated = true
	t.mu.Unlock()
	t.listener.TransportTerminated()
}

// completeAll closes every open stream with st, as a server would.
func (t *fakeClientTransport) completeAll(st *status.Status) {
	t.mu.Lock()
	streams := t.streams
	t.streams = nil
	down := t.shutdown
	t.mu.Unlock()

	for _, s := range streams {
		s.sl.OnClose(st, metadata.New())
	}
	if len(streams) > 0 {
		t.listener.TransportInUse(false)
	}
	if down {
		t.terminate()
	}
}

func (s *fakeCallStream) Write(data []byte, endStream bool) {}
func (s *fakeCallStream) Request(n int)                     {}

func (s *fakeCallStream) Cancel(st *status.Status) {
	t := s.t
	t.mu.Lock()
	kept := t.streams[:0]
	found := false
	for _, cur := range t.streams {
		if cur == s {
			found = true
			continue
		}
		kept = append(kept, cur)
	}
	t.streams = kept
	empty := found && len(t.streams) == 0
	down := t.shutdown
	t.mu.Unlock()

	if found {
		s.sl.OnClose(st, metadata.New())
	}
	if empty {
		t.listener.TransportInUse(false)
		if down {
			t.terminate()
		}
	}
}

func testChannel(t *testing.T, factory *fakeFactory, opts ...DialOption) *Channel {
	t.Helper()
	opts = append(opts, WithTransportFactory(factory))
	ch, err := Dial("passthrough:///127.0.0.1:1", opts...)
	require.NoError(t, err)
	return ch
}

func rawCallOptions() CallOptions {
	return CallOptions{}.WithCodec(codec.Bytes{})
}

type closeRecorder struct {
	mu     sync.Mutex
	st     *status.Status
	closes int
	done   chan struct{}
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{done: make(chan struct{})}
}

func (r *closeRecorder) OnReady()               {}
func (r *closeRecorder) OnHeaders(*metadata.MD) {}
func (r *closeRecorder) OnMessage(interface{})  {}
func (r *closeRecorder) OnClose(st *status.Status, _ *metadata.MD) {
	r.mu.Lock()
	r.st = st
	r.closes++
	n := r.closes
	r.mu.Unlock()
	if n == 1 {
		close(r.done)
	}
}

func (r *closeRecorder) await(t *testing.T) *status.Status {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("call never closed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

func TestExpiredDeadlineNeverTouchesTransport(t *testing.T) {
	factory := &fakeFactory{}
	ch := testChannel(t, factory)
	defer ch.ShutdownNow()

	call := ch.NewCall("svc/M", rawCallOptions().WithDeadline(time.Now().Add(-time.Millisecond)))
	rec := newCloseRecorder()
	call.Start(context.Background(), rec, nil)

	st := rec.await(t)
	assert.Equal(t, codes.DeadlineExceeded, st.Code())
	assert.Equal(t, 0, factory.count(), "no transport may be contacted")
}

func TestCallFlowsThroughFakeTransport(t *testing.T) {
	factory := &fakeFactory{}
	ch := testChannel(t, factory)
	defer ch.ShutdownNow()

	call := ch.NewCall("svc/M", rawCallOptions())
	rec := newCloseRecorder()
	call.Start(context.Background(), rec, nil)

	// connection setup is asynchronous; the stream lands once ready
	require.Eventually(t, func() bool {
		ft := factory.last()
		if ft == nil {
			return false
		}
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.streams) == 1
	}, 5*time.Second, 5*time.Millisecond)

	ft := factory.last()
	ft.mu.Lock()
	hdr := ft.streams[0].hdr
	ft.mu.Unlock()
	assert.Equal(t, "svc/M", hdr.Method)

	ft.completeAll(status.OK)
	st := rec.await(t)
	assert.True(t, st.IsOK())
}

func TestIdleModeEntryAndExit(t *testing.T) {
	factory := &fakeFactory{}
	ch := testChannel(t, factory, WithIdleTimeout(100*time.Millisecond))
	defer ch.ShutdownNow()

	require.True(t, ch.isIdle(), "channel starts idle")

	call := ch.NewCall("svc/M", rawCallOptions())
	rec := newCloseRecorder()
	call.Start(context.Background(), rec, nil)
	require.Eventually(t, func() bool {
		ft := factory.last()
		if ft == nil {
			return false
		}
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.streams) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, ch.isIdle())

	factory.last().completeAll(status.OK)
	rec.await(t)

	// no active streams: the idle timer fires and tears the stack down
	require.Eventually(t, ch.isIdle, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ch.liveTransportSets() == 0 },
		5*time.Second, 10*time.Millisecond)

	// next call exits idle and builds a fresh transport
	call2 := ch.NewCall("svc/M", rawCallOptions())
	rec2 := newCloseRecorder()
	call2.Start(context.Background(), rec2, nil)
	require.Eventually(t, func() bool { return factory.count() == 2 },
		5*time.Second, 5*time.Millisecond)
	assert.False(t, ch.isIdle())
	factory.last().completeAll(status.OK)
	rec2.await(t)
}

func TestShutdownLifecycle(t *testing.T) {
	factory := &fakeFactory{}
	ch := testChannel(t, factory)

	call := ch.NewCall("svc/M", rawCallOptions())
	rec := newCloseRecorder()
	call.Start(context.Background(), rec, nil)
	require.Eventually(t, func() bool { return factory.count() == 1 },
		5*time.Second, 5*time.Millisecond)

	ch.Shutdown()
	assert.True(t, ch.IsShutdown())

	// a shut-down channel still hands out calls; they fail on Start
	late := ch.NewCall("svc/M", rawCallOptions())
	lateRec := newCloseRecorder()
	late.Start(context.Background(), lateRec, nil)
	assert.Equal(t, codes.Unavailable, lateRec.await(t).Code())

	// the in-flight call completes, then the channel terminates
	factory.last().completeAll(status.OK)
	rec.await(t)
	assert.True(t, ch.AwaitTermination(5*time.Second))
	assert.True(t, ch.IsTerminated())
	assert.True(t, ch.IsShutdown(), "terminated implies shut down")
}

func TestShutdownNowCancelsActiveCalls(t *testing.T) {
	factory := &fakeFactory{}
	ch := testChannel(t, factory)

	call := ch.NewCall("svc/M", rawCallOptions())
	rec := newCloseRecorder()
	call.Start(context.Background(), rec, nil)
	require.Eventually(t, func() bool { return factory.count() == 1 },
		5*time.Second, 5*time.Millisecond)

	ch.ShutdownNow()
	st := rec.await(t)
	assert.Equal(t, codes.Unavailable, st.Code())
	assert.True(t, ch.AwaitTermination(5*time.Second))
}

func TestDialRejectsUnresolvableTarget(t *testing.T) {
	// a registry with no factories matches nothing, not even the fallback
	empty := resolver.NewRegistry("dns")
	_, err := Dial("bogus://nowhere", WithResolverRegistry(empty))
	assert.Error(t, err)
}
