package grpcwire

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fullstorydev/grpcwire/codec"
	"github.com/fullstorydev/grpcwire/internal/grpcutil"
	"github.com/fullstorydev/grpcwire/internal/metrics"
	"github.com/fullstorydev/grpcwire/internal/syncutil"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/transport"
)

// Server is a managed server: it accepts transport connections, dispatches
// incoming streams against its method registry, and owns the per-call
// execution context.
type Server struct {
	opts     serverOptions
	handlers HandlerMap
	logger   logrus.FieldLogger

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu           sync.Mutex
	started      bool
	shutdownFlag bool
	terminated   bool
	lis          net.Listener
	transports   map[transport.ServerTransport]struct{}

	termCh chan struct{}
}

// NewServer creates a server. Services must be registered before Start.
func NewServer(opts ...ServerOption) *Server {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.logger = l
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:       o,
		handlers:   HandlerMap{},
		logger:     o.logger.WithField("component", "server"),
		rootCtx:    ctx,
		rootCancel: cancel,
		transports: make(map[transport.ServerTransport]struct{}),
		termCh:     make(chan struct{}),
	}
}

// RegisterService registers a service implementation. Panics if called
// after Start or if a method is already registered.
func (s *Server) RegisterService(desc *ServiceDesc) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		panic("grpcwire: RegisterService after Start")
	}
	s.handlers.RegisterService(desc)
}

// Start binds the server to the listener and begins accepting connections.
// It may be called exactly once and returns immediately; errors from
// individual connections are logged, not returned.
func (s *Server) Start(lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	if s.shutdownFlag {
		return errors.New("server is shut down")
	}
	s.started = true
	s.lis = lis
	go s.acceptLoop(lis)
	return nil
}

func (s *Server) acceptLoop(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shutdownFlag
			s.mu.Unlock()
			if !down {
				s.logger.WithError(err).Warn("accept failed; listener closing")
				s.Shutdown()
			}
			return
		}

		s.mu.Lock()
		if s.shutdownFlag {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.mu.Unlock()

		l := &serverTransportListener{s: s, tCh: make(chan transport.ServerTransport, 1)}
		st, err := transport.NewServerTransport(conn, transport.ServerConfig{Logger: s.logger}, l)
		if err != nil {
			s.logger.WithError(err).Warn("handshake failed")
			continue
		}
		s.mu.Lock()
		s.transports[st] = struct{}{}
		s.mu.Unlock()
		l.tCh <- st
	}
}

// Shutdown stops accepting new connections; existing streams continue. The
// server terminates once every transport is gone and the listener closed.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.shutdownFlag {
		s.mu.Unlock()
		return
	}
	s.shutdownFlag = true
	lis := s.lis
	all := s.snapshotTransportsLocked()
	s.maybeTerminateLocked()
	s.mu.Unlock()

	if lis != nil {
		lis.Close()
	}
	for _, t := range all {
		t.Shutdown()
	}
}

// ShutdownNow additionally resets every active stream with st and cancels
// all handler contexts.
func (s *Server) ShutdownNow(st *status.Status) {
	s.Shutdown()
	s.mu.Lock()
	all := s.snapshotTransportsLocked()
	s.mu.Unlock()
	for _, t := range all {
		t.ShutdownNow(st)
	}
	s.rootCancel()
}

func (s *Server) snapshotTransportsLocked() []transport.ServerTransport {
	out := make([]transport.ServerTransport, 0, len(s.transports))
	for t := range s.transports {
		out = append(out, t)
	}
	return out
}

func (s *Server) removeTransport(t transport.ServerTransport) {
	s.mu.Lock()
	delete(s.transports, t)
	s.maybeTerminateLocked()
	s.mu.Unlock()
}

func (s *Server) maybeTerminateLocked() {
	if s.terminated || !s.shutdownFlag || len(s.transports) > 0 {
		return
	}
	s.terminated = true
	close(s.termCh)
}

// IsShutdown reports whether Shutdown has been called.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownFlag
}

// IsTerminated reports whether the server has fully terminated.
func (s *Server) IsTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// AwaitTermination blocks until the server terminates or the timeout
// elapses, reporting which.
func (s *Server) AwaitTermination(d time.Duration) bool {
	select {
	case <-s.termCh:
		return true
	case <-time.After(d):
		return false
	}
}

// serverTransportListener bridges one accepted connection to the server.
type serverTransportListener struct {
	s   *Server
	tCh chan transport.ServerTransport
}

func (l *serverTransportListener) StreamCreated(stream transport.ServerStream, method string, md *metadata.MD) transport.ServerStreamListener {
	return l.s.streamCreated(stream, method, md)
}

func (l *serverTransportListener) TransportTerminated() {
	// the transport is registered right after the handshake; wait for it
	t := <-l.tCh
	l.s.removeTransport(t)
}

// streamCreated builds the per-call execution context and dispatches to the
// registered handler.
func (s *Server) streamCreated(stream transport.ServerStream, method string, md *metadata.MD) transport.ServerStreamListener {
	rm := s.handlers.QueryMethod(method)
	if rm == nil && s.opts.fallback != nil {
		rm = s.opts.fallback.QueryMethod(method)
	}
	if rm == nil {
		metrics.ServerCallsUnimplemented.Inc()
		stream.Close(status.Unimplemented.WithDescriptionf("method not found: %s", method), metadata.New())
		return noopServerStreamListener{}
	}

	ctx, cancel := context.WithCancel(s.rootCtx)
	if raw, ok := md.Get(grpcutil.TimeoutKey); ok {
		if timeout, err := grpcutil.DecodeTimeout(raw); err == nil {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		md.Remove(grpcutil.TimeoutKey)
	}
	// deadline expiry cancels the stream; normal completion releases the
	// watcher via cancel
	go func() {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			stream.Cancel(status.DeadlineExceeded.WithDescriptionf("deadline exceeded on %s", method))
		}
	}()

	call := &ServerCall{method: method, stream: stream, codec: rm.codec()}
	var appListener ServerCallListener
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithField("method", method).Warnf("handler panicked in StartCall: %v", r)
			}
		}()
		appListener = rm.method.Handler.StartCall(ctx, call, md)
	}()
	if appListener == nil {
		cancel()
		stream.Close(status.Internal.WithDescription("handler refused the call"), metadata.New())
		return noopServerStreamListener{}
	}

	return &serverStreamAdapter{
		s:        s,
		method:   method,
		stream:   stream,
		call:     call,
		cancel:   cancel,
		codec:    rm.codec(),
		factory:  rm.method.RequestFactory,
		listener: appListener,
	}
}

type noopServerStreamListener struct{}

func (noopServerStreamListener) OnMessage([]byte)      {}
func (noopServerStreamListener) HalfClosed()           {}
func (noopServerStreamListener) Closed(*status.Status) {}

// serverStreamAdapter runs application callbacks on a serializing executor
// that preserves the per-stream event order; a panic in any callback
// cancels the stream with the panic as cause.
type serverStreamAdapter struct {
	s        *Server
	method   string
	stream   transport.ServerStream
	call     *ServerCall
	cancel   context.CancelFunc
	codec    codec.Codec
	factory  func() interface{}
	listener ServerCallListener

	ser syncutil.Serializer
}

func (a *serverStreamAdapter) dispatch(f func()) {
	a.ser.Schedule(func() {
		defer func() {
			if r := recover(); r != nil {
				cause := errors.Errorf("panic: %v", r)
				a.stream.Cancel(status.Cancelled.
					WithDescription("application handler panicked").
					WithCause(cause))
			}
		}()
		f()
	})
}

func (a *serverStreamAdapter) OnMessage(data []byte) {
	a.dispatch(func() {
		var msg interface{}
		if a.factory != nil {
			m := a.factory()
			if err := a.codec.Unmarshal(data, m); err != nil {
				a.stream.Cancel(status.Internal.
					WithDescription("failed to unmarshal request message").
					WithCause(err))
				return
			}
			msg = m
		} else {
			msg = data
		}
		a.listener.OnMessage(msg)
	})
}

func (a *serverStreamAdapter) HalfClosed() {
	a.dispatch(func() { a.listener.OnHalfClose() })
}

func (a *serverStreamAdapter) Closed(st *status.Status) {
	a.cancel()
	a.dispatch(func() {
		if st.IsOK() {
			a.listener.OnComplete()
		} else {
			a.listener.OnCancel()
		}
	})
}

// ServerCall is the handler's half of one accepted call.
type ServerCall struct {
	method string
	stream transport.ServerStream
	codec  codec.Codec

	mu          sync.Mutex
	headersSent bool
	closed      bool
}

// Method returns the fully-qualified method name.
func (c *ServerCall) Method() string { return c.method }

// Request grants n additional request-message deliveries to the listener.
func (c *ServerCall) Request(n int) {
	c.stream.Request(n)
}

// SendHeaders sends the initial response headers. It may be called at most
// once, before Close; sending a message first sends empty headers
// implicitly.
func (c *ServerCall) SendHeaders(md *metadata.MD) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return status.Internal.WithDescription("headers sent after close").Err()
	}
	if c.headersSent {
		return status.Internal.WithDescription("headers already sent").Err()
	}
	c.headersSent = true
	c.stream.WriteHeaders(md)
	return nil
}

// SendMessage marshals and enqueues one response message.
func (c *ServerCall) SendMessage(msg interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return status.Internal.WithDescription("message sent after close").Err()
	}
	c.headersSent = true
	c.mu.Unlock()

	data, err := c.codec.Marshal(msg)
	if err != nil {
		return status.Internal.WithDescription("failed to marshal response").WithCause(err).Err()
	}
	c.stream.Write(transport.FrameMessage(data))
	return nil
}

// Close completes the call with the given status and trailers. Idempotent;
// only the first close is sent.
func (c *ServerCall) Close(st *status.Status, trailers *metadata.MD) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if trailers == nil {
		trailers = metadata.New()
	}
	c.stream.Close(st, trailers)
}
