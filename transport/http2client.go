package transport

import (
	"bufio"
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/fullstorydev/grpcwire/internal/grpcutil"
	"github.com/fullstorydev/grpcwire/internal/metrics"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
)

// maxClientStreamID is the largest stream id a client may allocate.
const maxClientStreamID = 1<<31 - 1

// defaultFirstStreamID is where client stream allocation starts; id 1 is
// reserved for the protocol upgrade.
const defaultFirstStreamID = 3

// ClientConfig configures a client transport.
type ClientConfig struct {
	Authority string
	// Scheme for the :scheme pseudo-header; defaults to "http".
	Scheme    string
	UserAgent string
	Logger    logrus.FieldLogger
	// FirstStreamID overrides the initial stream id. Must be odd. Used by
	// tests to exercise id exhaustion; zero means the default.
	FirstStreamID uint32
}

// http2Client translates between call commands and HTTP/2 frames for one
// client connection. A reader goroutine owns all inbound state; outbound
// frames go through the write loop.
type http2Client struct {
	conn     net.Conn
	cfg      ClientConfig
	logger   logrus.FieldLogger
	listener ClientTransportListener
	framer   *http2.Framer
	wq       *writeLoop
	connFlow *inFlow

	// sendMu orders stream id allocation with the HEADERS enqueue, since
	// HTTP/2 requires ids on the wire to be strictly increasing.
	sendMu sync.Mutex

	mu             sync.Mutex
	streams        map[uint32]*clientStream
	nextID         uint32
	shutdownStatus *status.Status // non-nil once shutdown has started
	goAwayReceived bool
	terminated     bool
	ping           *outstandingPing

	readyOnce sync.Once
	termOnce  sync.Once
}

type outstandingPing struct {
	data [8]byte
	sent time.Time
	cbs  []func(time.Duration, error)
}

var _ ClientTransport = (*http2Client)(nil)

// NewClient starts a client transport on conn. The HTTP/2 handshake is
// written immediately; listener.TransportReady fires once the server's
// SETTINGS frame arrives.
func NewClient(conn net.Conn, cfg ClientConfig, listener ClientTransportListener) (ClientTransport, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.FirstStreamID == 0 {
		cfg.FirstStreamID = defaultFirstStreamID
	}
	bw := bufio.NewWriter(conn)
	br := bufio.NewReader(conn)
	framer := http2.NewFramer(bw, br)
	framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	t := &http2Client{
		conn:     conn,
		cfg:      cfg,
		logger:   cfg.Logger.WithField("transport", "http2-client"),
		listener: listener,
		framer:   framer,
		connFlow: newInFlow(defaultWindowSize),
		streams:  make(map[uint32]*clientStream),
		nextID:   cfg.FirstStreamID,
	}
	t.wq = newWriteLoop(framer, bw, t.onConnError)

	if _, err := io.WriteString(bw, http2.ClientPreface); err != nil {
		conn.Close()
		return nil, err
	}
	go t.wq.run()
	t.wq.enqueue(settingsFrame{})
	go t.reader()
	return t, nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// clientStream is one outgoing RPC on an http2Client.
type clientStream struct {
	id       uint32
	t        *http2Client
	listener ClientStreamListener
	deframer *deframer
	flow     *inFlow

	mu           sync.Mutex
	headersDone  bool
	closed       bool
	pendingClose *closeEvent
}

type closeEvent struct {
	st       *status.Status
	trailers *metadata.MD
}

var _ ClientStream = (*clientStream)(nil)

func (s *clientStream) Write(data []byte, endStream bool) {
	s.t.wq.enqueue(dataFrame{streamID: s.id, data: data, endStream: endStream})
}

func (s *clientStream) Request(n int) {
	s.deframer.request(n)
}

func (s *clientStream) Cancel(st *status.Status) {
	s.t.closeStream(s, st, nil, true, http2.ErrCodeCancel, false)
}

func (t *http2Client) NewStream(ctx context.Context, hdr *CallHdr, l ClientStreamListener) (ClientStream, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if t.shutdownStatus != nil {
		st := status.Unavailable.WithDescription("transport is shutting down").WithCause(t.shutdownStatus.Err())
		t.mu.Unlock()
		return nil, &StreamError{Status: st}
	}
	if t.goAwayReceived {
		t.mu.Unlock()
		return nil, &StreamError{Status: status.Unavailable.WithDescription("connection is draining")}
	}
	if t.nextID > maxClientStreamID {
		t.mu.Unlock()
		st := status.Unavailable.WithDescription("Stream IDs have been exhausted")
		t.Shutdown(st)
		return nil, &StreamError{Status: st}
	}
	id := t.nextID
	t.nextID += 2

	s := &clientStream{id: id, t: t, listener: l, flow: newInFlow(defaultWindowSize)}
	s.deframer = newDeframer(
		func(msg []byte) {
			s.listener.OnMessage(msg)
			t.returnCredit(s, uint32(len(msg)+frameHeaderLen))
		},
		s.maybeFinishClose,
		func(st *status.Status) {
			t.closeStream(s, st, nil, true, http2.ErrCodeInternal, false)
		},
	)
	t.streams[id] = s
	first := len(t.streams) == 1
	t.mu.Unlock()

	if first {
		t.listener.TransportInUse(true)
	}
	authority := hdr.Authority
	if authority == "" {
		authority = t.cfg.Authority
	}
	fields := buildClientHeaderFields(&CallHdr{
		Method:     hdr.Method,
		Authority:  authority,
		Headers:    hdr.Headers,
		Timeout:    hdr.Timeout,
		HasTimeout: hdr.HasTimeout,
	}, t.cfg.Scheme, grpcutil.UserAgent(t.cfg.UserAgent))
	t.wq.enqueue(registerOutStream{streamID: id})
	t.wq.enqueue(headersFrame{streamID: id, fields: fields})
	metrics.ClientStreamsStarted.Inc()
	return s, nil
}

// returnCredit advertises consumed bytes back to the peer on both the
// stream and connection windows.
func (t *http2Client) returnCredit(s *clientStream, n uint32) {
	if inc := s.flow.onConsumed(n); inc > 0 {
		t.wq.enqueue(outgoingWindowUpdate{streamID: s.id, increment: inc})
	}
	if inc := t.connFlow.onConsumed(n); inc > 0 {
		t.wq.enqueue(outgoingWindowUpdate{streamID: 0, increment: inc})
	}
}

func (t *http2Client) Ping(cb func(rtt time.Duration, err error)) {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		if cb != nil {
			cb(0, status.Unavailable.WithDescription("transport is terminated").Err())
		}
		return
	}
	if t.ping != nil {
		if cb != nil {
			t.ping.cbs = append(t.ping.cbs, cb)
		}
		t.mu.Unlock()
		return
	}
	p := &outstandingPing{sent: time.Now()}
	rand.Read(p.data[:])
	if cb != nil {
		p.cbs = append(p.cbs, cb)
	}
	t.ping = p
	t.mu.Unlock()

	t.wq.enqueue(pingFrame{ack: false, data: p.data})
	metrics.PingsSent.Inc()
}

func (t *http2Client) Shutdown(st *status.Status) {
	t.mu.Lock()
	if t.shutdownStatus != nil {
		t.mu.Unlock()
		return
	}
	t.shutdownStatus = st
	empty := len(t.streams) == 0
	t.mu.Unlock()

	t.wq.enqueue(goAwayFrame{last: 0, code: http2.ErrCodeNo})
	t.listener.TransportShutdown(st)
	if empty {
		t.terminate()
	}
}

func (t *http2Client) ShutdownNow(st *status.Status) {
	t.Shutdown(st)
	for _, s := range t.snapshotStreams() {
		t.closeStream(s, st, nil, false, 0, false)
	}
	t.terminate()
}

func (t *http2Client) snapshotStreams() []*clientStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*clientStream, 0, len(t.streams))
	for _, s := range t.streams {
		out = append(out, s)
	}
	return out
}

// closeStream delivers the terminal state of one stream. graceful closes
// wait for the deframer to drain so every received message reaches the
// listener first; non-graceful closes (cancel, reset, connection loss)
// discard undelivered data.
func (t *http2Client) closeStream(s *clientStream, st *status.Status, trailers *metadata.MD, rst bool, rstCode http2.ErrCode, graceful bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if graceful && !s.deframer.empty() {
		s.pendingClose = &closeEvent{st: st, trailers: trailers}
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	t.mu.Lock()
	_, known := t.streams[s.id]
	delete(t.streams, s.id)
	nowEmpty := known && len(t.streams) == 0
	shuttingDown := t.shutdownStatus != nil
	t.mu.Unlock()

	if rst {
		t.wq.enqueue(rstStreamFrame{streamID: s.id, code: rstCode})
	}
	t.wq.enqueue(unregisterOutStream{streamID: s.id})
	if trailers == nil {
		trailers = metadata.New()
	}
	s.listener.OnClose(st, trailers)
	if nowEmpty {
		t.listener.TransportInUse(false)
		if shuttingDown {
			t.terminate()
		}
	}
}

func (s *clientStream) maybeFinishClose() {
	s.mu.Lock()
	pc := s.pendingClose
	s.pendingClose = nil
	s.mu.Unlock()
	if pc != nil {
		s.t.closeStream(s, pc.st, pc.trailers, false, 0, true)
	}
}

func (t *http2Client) terminate() {
	t.termOnce.Do(func() {
		t.mu.Lock()
		t.terminated = true
		p := t.ping
		t.ping = nil
		t.mu.Unlock()
		if p != nil {
			err := status.Unavailable.WithDescription("transport is terminated").Err()
			for _, cb := range p.cbs {
				cb(0, err)
			}
		}
		t.wq.stop()
		t.conn.Close()
		t.listener.TransportTerminated()
	})
}

// reader is the per-connection I/O goroutine; all inbound handler state is
// mutated here.
func (t *http2Client) reader() {
	for {
		f, err := t.framer.ReadFrame()
		if err != nil {
			t.onConnError(err)
			return
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			t.operateHeaders(f)
		case *http2.DataFrame:
			t.handleData(f)
		case *http2.RSTStreamFrame:
			t.handleRSTStream(f)
		case *http2.SettingsFrame:
			t.handleSettings(f)
		case *http2.PingFrame:
			t.handlePing(f)
		case *http2.GoAwayFrame:
			t.handleGoAway(f)
		case *http2.WindowUpdateFrame:
			t.wq.enqueue(incomingWindowUpdate{streamID: f.StreamID, increment: f.Increment})
		}
	}
}

func (t *http2Client) lookup(id uint32) *clientStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

func (t *http2Client) operateHeaders(f *http2.MetaHeadersFrame) {
	s := t.lookup(f.StreamID)
	if s == nil {
		return
	}
	pseudo, rest := splitPseudoHeaders(f.Fields)
	md, err := metadata.FromHeaderFields(rest)
	if err != nil {
		t.closeStream(s, status.Internal.WithDescription(err.Error()), nil, true, http2.ErrCodeInternal, false)
		return
	}
	endStream := f.StreamEnded()

	s.mu.Lock()
	headersDone := s.headersDone
	if !endStream {
		s.headersDone = true
	}
	s.mu.Unlock()

	if !headersDone {
		if hs, ok := pseudo[":status"]; ok && hs != "200" {
			st := status.New(codeForHTTPStatus(atoiOr(hs, 0)), "unexpected HTTP status "+hs)
			t.closeStream(s, st, md, false, 0, false)
			return
		}
		ct, _ := md.Get(grpcutil.ContentTypeKey)
		if !grpcutil.IsGrpcContentType(ct) {
			st := status.Unknown.WithDescriptionf("invalid content-type %q", ct)
			t.closeStream(s, st, md, false, 0, false)
			return
		}
		if endStream {
			// trailers-only response
			st, ok := statusFromTrailers(md)
			if !ok {
				st = status.Unknown.WithDescription("missing grpc-status in trailers-only response")
			}
			scrubInboundMetadata(md)
			t.closeStream(s, st, md, false, 0, true)
			return
		}
		md.Remove(grpcutil.ContentTypeKey)
		s.listener.OnHeaders(md)
		return
	}

	// trailers
	st, ok := statusFromTrailers(md)
	if !ok {
		st = status.Unknown.WithDescription("missing grpc-status in trailers")
	}
	scrubInboundMetadata(md)
	if !endStream {
		t.closeStream(s, status.Internal.WithDescription("trailers received without END_STREAM"), md, true, http2.ErrCodeInternal, false)
		return
	}
	// record the close first so the drain callback can deliver it, then mark
	// end-of-stream so the deframer reports drain once every received
	// message is delivered
	t.closeStream(s, st, md, false, 0, true)
	s.deframer.feed(nil, true)
}

func atoiOr(s string, def int) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return def
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}

func (t *http2Client) handleData(f *http2.DataFrame) {
	s := t.lookup(f.StreamID)
	n := uint32(len(f.Data()))
	if s == nil {
		// stream already gone; keep the connection window moving
		if n > 0 {
			t.wq.enqueue(outgoingWindowUpdate{streamID: 0, increment: n})
		}
		return
	}
	s.deframer.feed(f.Data(), f.StreamEnded())
	if f.StreamEnded() {
		// the protocol ends streams with trailers, not a DATA frame
		t.closeStream(s, status.Internal.WithDescription("server closed stream without sending trailers"), nil, false, 0, true)
	}
}

func (t *http2Client) handleRSTStream(f *http2.RSTStreamFrame) {
	s := t.lookup(f.StreamID)
	if s == nil {
		return
	}
	st := grpcutil.StatusForHTTP2Code(f.ErrCode)
	t.closeStream(s, st, nil, false, 0, false)
}

func (t *http2Client) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	var settings []http2.Setting
	f.ForeachSetting(func(s http2.Setting) error {
		settings = append(settings, s)
		return nil
	})
	t.wq.enqueue(incomingSettings{settings: settings})
	t.readyOnce.Do(t.listener.TransportReady)
}

func (t *http2Client) handlePing(f *http2.PingFrame) {
	if !f.IsAck() {
		t.wq.enqueue(pingFrame{ack: true, data: f.Data})
		return
	}
	t.mu.Lock()
	p := t.ping
	if p == nil || p.data != f.Data {
		t.mu.Unlock()
		t.logger.WithField("payload", f.Data).Warn("received ping ack with unknown payload")
		return
	}
	t.ping = nil
	t.mu.Unlock()
	rtt := time.Since(p.sent)
	for _, cb := range p.cbs {
		go cb(rtt, nil)
	}
}

func (t *http2Client) handleGoAway(f *http2.GoAwayFrame) {
	st := grpcutil.StatusForHTTP2Code(f.ErrCode).
		AugmentDescription("connection is draining (GOAWAY received)")

	t.mu.Lock()
	alreadyDraining := t.goAwayReceived
	t.goAwayReceived = true
	if t.shutdownStatus == nil {
		t.shutdownStatus = st
	}
	var affected []*clientStream
	for id, s := range t.streams {
		if id > f.LastStreamID {
			affected = append(affected, s)
		}
	}
	t.mu.Unlock()

	for _, s := range affected {
		t.closeStream(s, st, nil, false, 0, false)
	}
	if !alreadyDraining {
		t.listener.TransportShutdown(st)
	}
	t.mu.Lock()
	empty := len(t.streams) == 0
	t.mu.Unlock()
	if empty {
		t.terminate()
	}
}

// onConnError is the terminal path for a lost or broken connection: every
// active stream fails and the transport terminates.
func (t *http2Client) onConnError(err error) {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return
	}
	first := t.shutdownStatus == nil
	st := status.Unavailable.WithDescription("connection closed").WithCause(err)
	if first {
		t.shutdownStatus = st
	}
	t.mu.Unlock()

	if first {
		t.listener.TransportShutdown(st)
	}
	for _, s := range t.snapshotStreams() {
		t.closeStream(s, st, nil, false, 0, false)
	}
	t.terminate()
}

// ClientFactory creates client transports for an address.
type ClientFactory interface {
	NewClientTransport(addr, authority string, l ClientTransportListener) (ClientTransport, error)
}

// TCPClientFactory dials plaintext TCP connections.
type TCPClientFactory struct {
	Dialer    net.Dialer
	UserAgent string
	Logger    logrus.FieldLogger
}

func (f *TCPClientFactory) NewClientTransport(addr, authority string, l ClientTransportListener) (ClientTransport, error) {
	conn, err := f.Dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, ClientConfig{
		Authority: authority,
		UserAgent: f.UserAgent,
		Logger:    f.Logger,
	}, l)
}
