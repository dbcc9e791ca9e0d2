package transport

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/fullstorydev/grpcwire/internal/grpcutil"
	"github.com/fullstorydev/grpcwire/internal/metrics"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
)

// ServerConfig configures a server transport.
type ServerConfig struct {
	Logger logrus.FieldLogger
}

// http2Server handles one accepted connection.
type http2Server struct {
	conn     net.Conn
	logger   logrus.FieldLogger
	listener ServerTransportListener
	framer   *http2.Framer
	wq       *writeLoop
	connFlow *inFlow

	mu         sync.Mutex
	streams    map[uint32]*serverStream
	lastStream uint32
	draining   bool
	terminated bool
	teWarned   bool

	termOnce sync.Once
}

var _ ServerTransport = (*http2Server)(nil)

// NewServerTransport performs the server side of the HTTP/2 handshake on
// conn and starts serving frames. Inbound streams are announced via
// listener.StreamCreated.
func NewServerTransport(conn net.Conn, cfg ServerConfig, listener ServerTransportListener) (ServerTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	bw := bufio.NewWriter(conn)
	br := bufio.NewReader(conn)

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(br, preface); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "reading client preface")
	}
	if string(preface) != http2.ClientPreface {
		conn.Close()
		return nil, errors.New("invalid client connection preface")
	}

	framer := http2.NewFramer(bw, br)
	framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	t := &http2Server{
		conn:     conn,
		logger:   logger.WithField("transport", "http2-server"),
		listener: listener,
		framer:   framer,
		connFlow: newInFlow(defaultWindowSize),
		streams:  make(map[uint32]*serverStream),
	}
	t.wq = newWriteLoop(framer, bw, t.onConnError)
	go t.wq.run()
	t.wq.enqueue(settingsFrame{})
	go t.reader()
	return t, nil
}

// serverStream is one accepted RPC.
type serverStream struct {
	id       uint32
	t        *http2Server
	listener ServerStreamListener
	deframer *deframer
	flow     *inFlow

	mu          sync.Mutex
	headersSent bool
	closeSent   bool
	finished    bool
}

var _ ServerStream = (*serverStream)(nil)

func (s *serverStream) WriteHeaders(md *metadata.MD) {
	s.mu.Lock()
	if s.headersSent || s.closeSent {
		s.mu.Unlock()
		return
	}
	s.headersSent = true
	s.mu.Unlock()

	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: grpcutil.ContentTypeKey, Value: grpcutil.ContentTypeGrpc},
	}
	if md != nil {
		fields = append(fields, md.HeaderFields()...)
	}
	s.t.wq.enqueue(headersFrame{streamID: s.id, fields: fields})
}

func (s *serverStream) Write(data []byte) {
	s.mu.Lock()
	sent := s.headersSent
	closed := s.closeSent
	s.mu.Unlock()
	if closed {
		return
	}
	if !sent {
		// headers are sent implicitly before the first message
		s.WriteHeaders(nil)
	}
	s.t.wq.enqueue(dataFrame{streamID: s.id, data: data})
}

func (s *serverStream) Request(n int) {
	s.deframer.request(n)
}

// Close emits the closing trailers. If no headers were sent, the status
// travels in a single trailers-only HEADERS frame.
func (s *serverStream) Close(st *status.Status, trailers *metadata.MD) {
	s.mu.Lock()
	if s.closeSent {
		s.mu.Unlock()
		return
	}
	s.closeSent = true
	headersSent := s.headersSent
	s.mu.Unlock()

	var fields []hpack.HeaderField
	if !headersSent {
		fields = append(fields,
			hpack.HeaderField{Name: ":status", Value: "200"},
			hpack.HeaderField{Name: grpcutil.ContentTypeKey, Value: grpcutil.ContentTypeGrpc},
		)
	}
	fields = append(fields, hpack.HeaderField{
		Name:  grpcutil.StatusKey,
		Value: itoa(int(st.Code())),
	})
	if desc := st.Description(); desc != "" {
		fields = append(fields, hpack.HeaderField{
			Name:  grpcutil.MessageKey,
			Value: grpcutil.EncodeGrpcMessage(desc),
		})
	}
	if trailers != nil {
		fields = append(fields, trailers.HeaderFields()...)
	}
	s.t.wq.enqueue(headersFrame{
		streamID:  s.id,
		fields:    fields,
		endStream: true,
		onWrite: func() {
			s.t.finishStream(s, status.OK)
		},
	})
}

func (s *serverStream) Cancel(st *status.Status) {
	s.mu.Lock()
	alreadyClosed := s.closeSent
	s.closeSent = true
	s.mu.Unlock()
	if !alreadyClosed {
		s.t.wq.enqueue(rstStreamFrame{streamID: s.id, code: http2.ErrCodeCancel})
	}
	s.t.finishStream(s, st)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// finishStream delivers the terminal Closed callback exactly once.
func (t *http2Server) finishStream(s *serverStream, st *status.Status) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	t.mu.Lock()
	delete(t.streams, s.id)
	drained := t.draining && len(t.streams) == 0
	t.mu.Unlock()

	t.wq.enqueue(unregisterOutStream{streamID: s.id})
	if s.listener != nil {
		s.listener.Closed(st)
	}
	if drained {
		t.terminate()
	}
}

func (t *http2Server) Shutdown() {
	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return
	}
	t.draining = true
	empty := len(t.streams) == 0
	t.mu.Unlock()

	t.wq.enqueue(goAwayFrame{last: t.lastAccepted(), code: http2.ErrCodeNo})
	if empty {
		t.terminate()
	}
}

func (t *http2Server) lastAccepted() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastStream
}

func (t *http2Server) ShutdownNow(st *status.Status) {
	t.mu.Lock()
	t.draining = true
	snapshot := make([]*serverStream, 0, len(t.streams))
	for _, s := range t.streams {
		snapshot = append(snapshot, s)
	}
	t.mu.Unlock()

	t.wq.enqueue(goAwayFrame{last: t.lastAccepted(), code: http2.ErrCodeNo})
	for _, s := range snapshot {
		t.wq.enqueue(rstStreamFrame{streamID: s.id, code: http2.ErrCodeCancel})
		t.finishStream(s, st)
	}
	t.terminate()
}

func (t *http2Server) terminate() {
	t.termOnce.Do(func() {
		t.mu.Lock()
		t.terminated = true
		t.mu.Unlock()
		t.wq.stop()
		t.conn.Close()
		t.listener.TransportTerminated()
	})
}

func (t *http2Server) reader() {
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
			// client is going away; in-flight streams continue
		case *http2.WindowUpdateFrame:
			t.wq.enqueue(incomingWindowUpdate{streamID: f.StreamID, increment: f.Increment})
		}
	}
}

// operateHeaders validates a new stream's request headers and dispatches it
// to the transport listener.
func (t *http2Server) operateHeaders(f *http2.MetaHeadersFrame) {
	id := f.StreamID
	pseudo, rest := splitPseudoHeaders(f.Fields)

	t.mu.Lock()
	if t.draining || t.terminated {
		t.mu.Unlock()
		t.wq.enqueue(rstStreamFrame{streamID: id, code: http2.ErrCodeRefusedStream})
		return
	}
	if _, exists := t.streams[id]; exists {
		// trailers from the client are not part of the protocol
		t.mu.Unlock()
		t.wq.enqueue(rstStreamFrame{streamID: id, code: http2.ErrCodeProtocol})
		return
	}
	t.mu.Unlock()

	if pseudo[":method"] != "POST" {
		t.wq.enqueue(rstStreamFrame{streamID: id, code: http2.ErrCodeRefusedStream})
		return
	}
	md, err := metadata.FromHeaderFields(rest)
	if err != nil {
		t.wq.enqueue(rstStreamFrame{streamID: id, code: http2.ErrCodeProtocol})
		return
	}
	if ct, _ := md.Get(grpcutil.ContentTypeKey); !grpcutil.IsGrpcContentType(ct) {
		t.wq.enqueue(rstStreamFrame{streamID: id, code: http2.ErrCodeRefusedStream})
		return
	}
	if te, _ := md.Get(grpcutil.TEKey); te != grpcutil.TETrailers {
		// proxies may strip te; log once per connection and carry on
		t.mu.Lock()
		warned := t.teWarned
		t.teWarned = true
		t.mu.Unlock()
		if !warned {
			t.logger.WithField("te", te).Warn("expected te: trailers header")
		}
	}
	method, ok := grpcutil.MethodFromPath(pseudo[":path"])
	if !ok {
		t.wq.enqueue(rstStreamFrame{streamID: id, code: http2.ErrCodeRefusedStream})
		return
	}
	md.Remove(grpcutil.ContentTypeKey)
	md.Remove(grpcutil.TEKey)

	s := &serverStream{id: id, t: t, flow: newInFlow(defaultWindowSize)}
	s.deframer = newDeframer(
		func(msg []byte) {
			s.listener.OnMessage(msg)
			t.returnCredit(s, uint32(len(msg)+frameHeaderLen))
		},
		func() {
			if s.listener != nil {
				s.listener.HalfClosed()
			}
		},
		func(st *status.Status) {
			t.wq.enqueue(rstStreamFrame{streamID: s.id, code: http2.ErrCodeInternal})
			t.finishStream(s, st)
		},
	)

	t.mu.Lock()
	t.streams[id] = s
	if id > t.lastStream {
		t.lastStream = id
	}
	t.mu.Unlock()
	t.wq.enqueue(registerOutStream{streamID: id})
	metrics.ServerStreamsStarted.Inc()

	s.listener = t.listener.StreamCreated(s, method, md)
	if f.StreamEnded() {
		s.deframer.feed(nil, true)
	}
}

func (t *http2Server) returnCredit(s *serverStream, n uint32) {
	if inc := s.flow.onConsumed(n); inc > 0 {
		t.wq.enqueue(outgoingWindowUpdate{streamID: s.id, increment: inc})
	}
	if inc := t.connFlow.onConsumed(n); inc > 0 {
		t.wq.enqueue(outgoingWindowUpdate{streamID: 0, increment: inc})
	}
}

func (t *http2Server) lookup(id uint32) *serverStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

func (t *http2Server) handleData(f *http2.DataFrame) {
	s := t.lookup(f.StreamID)
	n := uint32(len(f.Data()))
	if s == nil {
		if n > 0 {
			t.wq.enqueue(outgoingWindowUpdate{streamID: 0, increment: n})
		}
		return
	}
	s.deframer.feed(f.Data(), f.StreamEnded())
}

func (t *http2Server) handleRSTStream(f *http2.RSTStreamFrame) {
	s := t.lookup(f.StreamID)
	if s == nil {
		return
	}
	// no frames are sent in response to a reset
	s.mu.Lock()
	s.closeSent = true
	s.mu.Unlock()
	t.finishStream(s, status.Cancelled.WithDescription("stream reset by client"))
}

func (t *http2Server) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	var settings []http2.Setting
	f.ForeachSetting(func(s http2.Setting) error {
		settings = append(settings, s)
		return nil
	})
	t.wq.enqueue(incomingSettings{settings: settings})
}

func (t *http2Server) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		return
	}
	t.wq.enqueue(pingFrame{ack: true, data: f.Data})
}

func (t *http2Server) onConnError(err error) {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return
	}
	snapshot := make([]*serverStream, 0, len(t.streams))
	for _, s := range t.streams {
		snapshot = append(snapshot, s)
	}
	t.mu.Unlock()

	st := status.Unavailable.
		WithDescription("connection terminated for unknown reason").
		WithCause(err)
	for _, s := range snapshot {
		t.finishStream(s, st)
	}
	t.terminate()
}
