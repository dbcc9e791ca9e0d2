package wiretesting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/fullstorydev/grpcwire"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
)

// CollectListener is a CallListener that records everything for assertions.
type CollectListener struct {
	mu       sync.Mutex
	headers  *metadata.MD
	msgs     [][]byte
	st       *status.Status
	trailers *metadata.MD
	closes   int
	done     chan struct{}
}

// NewCollectListener returns an empty listener.
func NewCollectListener() *CollectListener {
	return &CollectListener{done: make(chan struct{})}
}

func (l *CollectListener) OnReady() {}

func (l *CollectListener) OnHeaders(md *metadata.MD) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.headers = md
}

func (l *CollectListener) OnMessage(msg interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, append([]byte(nil), msg.([]byte)...))
}

func (l *CollectListener) OnClose(st *status.Status, trailers *metadata.MD) {
	l.mu.Lock()
	l.st = st
	l.trailers = trailers
	l.closes++
	closes := l.closes
	l.mu.Unlock()
	if closes == 1 {
		close(l.done)
	}
}

// Await blocks until OnClose or the timeout, returning the final status.
func (l *CollectListener) Await(t *testing.T, timeout time.Duration) *status.Status {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(timeout):
		t.Fatal("call did not complete in time")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st
}

// Messages returns the recorded message payloads.
func (l *CollectListener) Messages() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Headers returns the recorded response headers, or nil.
func (l *CollectListener) Headers() *metadata.MD {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headers
}

// Trailers returns the recorded trailers, or nil.
func (l *CollectListener) Trailers() *metadata.MD {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trailers
}

// CloseCount returns how many times OnClose fired; anything but 1 after
// Await is a bug.
func (l *CollectListener) CloseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// RunChannelTestCases exercises the echo service through the given channel.
// The server side must have an *EchoServer registered.
func RunChannelTestCases(t *testing.T, ch *grpcwire.Channel) {
	t.Run("unary", func(t *testing.T) { testUnary(t, ch) })
	t.Run("unary-invoke", func(t *testing.T) { testUnaryInvoke(t, ch) })
	t.Run("stream", func(t *testing.T) { testStream(t, ch) })
	t.Run("error-status", func(t *testing.T) { testErrorStatus(t, ch) })
	t.Run("metadata-round-trip", func(t *testing.T) { testMetadataRoundTrip(t, ch) })
	t.Run("cancel", func(t *testing.T) { testCancel(t, ch) })
}

func testUnary(t *testing.T, ch *grpcwire.Channel) {
	call := ch.NewCall(UnaryMethod, CallOptions())
	l := NewCollectListener()
	call.Start(context.Background(), l, nil)
	call.Request(2)
	require.NoError(t, call.SendMessage([]byte("payload")))
	call.HalfClose()

	st := l.Await(t, 5*time.Second)
	require.True(t, st.IsOK(), "status: %v", st)
	msgs := l.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "payload", string(msgs[0]))
	assert.Equal(t, 1, l.CloseCount())
}

func testUnaryInvoke(t *testing.T, ch *grpcwire.Channel) {
	var resp []byte
	err := ch.Invoke(context.Background(), UnaryMethod, []byte("ping"), &resp, CallOptions())
	require.NoError(t, err)
	assert.Equal(t, "ping", string(resp))
}

func testStream(t *testing.T, ch *grpcwire.Channel) {
	call := ch.NewCall(StreamMethod, CallOptions())
	l := NewCollectListener()
	call.Start(context.Background(), l, nil)
	call.Request(10)
	for _, m := range []string{"a", "bb", "ccc"} {
		require.NoError(t, call.SendMessage([]byte(m)))
	}
	call.HalfClose()

	st := l.Await(t, 5*time.Second)
	require.True(t, st.IsOK(), "status: %v", st)
	msgs := l.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", string(msgs[0]))
	assert.Equal(t, "bb", string(msgs[1]))
	assert.Equal(t, "ccc", string(msgs[2]))
}

func testErrorStatus(t *testing.T, ch *grpcwire.Channel) {
	hdrs := metadata.Pairs(
		FailCodeKey, "5", // NOT_FOUND
		FailMessageKey, "nothing here",
	)
	call := ch.NewCall(FailMethod, CallOptions())
	l := NewCollectListener()
	call.Start(context.Background(), l, hdrs)
	call.Request(1)
	require.NoError(t, call.SendMessage([]byte("x")))
	call.HalfClose()

	st := l.Await(t, 5*time.Second)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "nothing here", st.Description())
}

func testMetadataRoundTrip(t *testing.T, ch *grpcwire.Channel) {
	hdrs := metadata.Pairs(
		EchoHeaderKey, "h1",
		EchoHeaderKey, "h2",
		EchoTrailerKey, "t1",
	)
	call := ch.NewCall(UnaryMethod, CallOptions())
	l := NewCollectListener()
	call.Start(context.Background(), l, hdrs)
	call.Request(2)
	require.NoError(t, call.SendMessage([]byte("md")))
	call.HalfClose()

	st := l.Await(t, 5*time.Second)
	require.True(t, st.IsOK(), "status: %v", st)

	require.NotNil(t, l.Headers())
	assert.Equal(t, []string{"h1", "h2"}, l.Headers().GetAll(EchoHeaderKey))
	require.NotNil(t, l.Trailers())
	assert.Equal(t, []string{"t1"}, l.Trailers().GetAll(EchoTrailerKey))
}

func testCancel(t *testing.T, ch *grpcwire.Channel) {
	call := ch.NewCall(StreamMethod, CallOptions())
	l := NewCollectListener()
	call.Start(context.Background(), l, nil)
	call.Request(1)
	require.NoError(t, call.SendMessage([]byte("first")))

	call.Cancel("test is done", nil)
	st := l.Await(t, 5*time.Second)
	assert.Equal(t, codes.Canceled, st.Code())
	assert.Equal(t, 1, l.CloseCount())
}
