// Package transport implements the HTTP/2 transport handlers: translation
// between call-level commands and HTTP/2 frames on both the client and
// server side, plus the delayed transport used while no connection is ready.
//
// The HTTP/2 framing itself is golang.org/x/net/http2; this package owns
// stream lifecycle, flow control, and the mapping between frames and call
// semantics.
package transport

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
)

// CallHdr carries everything needed to open a client stream.
type CallHdr struct {
	// Method is the fully-qualified method name, without the leading slash.
	Method string
	// Authority is the value for the :authority pseudo-header.
	Authority string
	// Headers is the application metadata. Ownership transfers to the
	// transport; the caller must not touch it afterwards.
	Headers *metadata.MD
	// Timeout, when HasTimeout is set, is encoded as the grpc-timeout header.
	Timeout    time.Duration
	HasTimeout bool
}

// ClientStream is the transport's view of one outgoing RPC.
type ClientStream interface {
	// Write enqueues a frame of already length-prefixed message bytes.
	// endStream half-closes the local side after the data is flushed; data
	// may be empty in that case.
	Write(data []byte, endStream bool)
	// Request grants n additional message deliveries to the listener.
	Request(n int)
	// Cancel resets the stream. The listener's OnClose receives st.
	Cancel(st *status.Status)
}

// ClientStreamListener receives inbound events for one client stream, in
// receive order; OnClose is last and exactly once. Calls come from the
// transport's reader goroutine, or from the goroutine that grants a permit
// via Request or cancels the stream.
type ClientStreamListener interface {
	OnHeaders(md *metadata.MD)
	OnMessage(data []byte)
	OnClose(st *status.Status, trailers *metadata.MD)
}

// ClientTransport is a single client-side connection.
type ClientTransport interface {
	// NewStream opens a stream. A *StreamError return means this particular
	// stream could not be created but the transport may still be usable; a
	// *ConnectionError means the transport is done.
	NewStream(ctx context.Context, hdr *CallHdr, l ClientStreamListener) (ClientStream, error)
	// Ping measures round-trip time to the peer. At most one ping is
	// outstanding per connection; concurrent callers share it.
	Ping(cb func(rtt time.Duration, err error))
	// Shutdown starts graceful shutdown: existing streams run to
	// completion, new streams are refused.
	Shutdown(st *status.Status)
	// ShutdownNow additionally fails all active streams with st.
	ShutdownNow(st *status.Status)
}

// ClientTransportListener receives connection lifecycle events. Implemented
// by TransportSet.
type ClientTransportListener interface {
	// TransportReady fires once, when the HTTP/2 handshake completes.
	TransportReady()
	// TransportShutdown fires once the transport stops accepting new
	// streams, with the reason.
	TransportShutdown(st *status.Status)
	// TransportTerminated fires once all streams are done and the
	// connection is closed. Always preceded by TransportShutdown.
	TransportTerminated()
	// TransportInUse fires on 0<->1 transitions of the active stream count.
	TransportInUse(inUse bool)
}

// ServerStream is the transport's view of one accepted RPC.
type ServerStream interface {
	// WriteHeaders sends the initial response headers.
	WriteHeaders(md *metadata.MD)
	// Write enqueues length-prefixed message bytes.
	Write(data []byte)
	// Request grants n additional message deliveries to the listener.
	Request(n int)
	// Close sends trailers carrying st and ends the stream. If no headers
	// were sent, a trailers-only response is produced.
	Close(st *status.Status, trailers *metadata.MD)
	// Cancel resets the stream without sending a status.
	Cancel(st *status.Status)
}

// ServerStreamListener receives inbound events for one server stream.
type ServerStreamListener interface {
	OnMessage(data []byte)
	// HalfClosed fires when the client finishes sending.
	HalfClosed()
	// Closed fires exactly once when the stream reaches its terminal state:
	// with OK after a successful Close flush, otherwise with the reason.
	Closed(st *status.Status)
}

// ServerTransportListener is implemented by the managed server.
type ServerTransportListener interface {
	// StreamCreated announces a validated inbound stream and returns the
	// listener for its events.
	StreamCreated(s ServerStream, method string, md *metadata.MD) ServerStreamListener
	// TransportTerminated fires when the connection is fully closed.
	TransportTerminated()
}

// ServerTransport is a single accepted connection.
type ServerTransport interface {
	// Shutdown stops accepting new streams; existing streams continue.
	Shutdown()
	// ShutdownNow closes the connection, resetting all streams with st.
	ShutdownNow(st *status.Status)
}

// StreamError reports a stream-fatal failure: the stream could not be
// created or was lost, but the connection is unaffected.
type StreamError struct {
	Status *status.Status
}

func (e *StreamError) Error() string { return "stream error: " + e.Status.String() }

// ConnectionError reports a connection-fatal failure.
type ConnectionError struct {
	Status *status.Status
}

func (e *ConnectionError) Error() string { return "connection error: " + e.Status.String() }

// StatusOf extracts the status from a transport error.
func StatusOf(err error) *status.Status {
	switch e := err.(type) {
	case *StreamError:
		return e.Status
	case *ConnectionError:
		return e.Status
	}
	return status.FromError(err)
}

// frame header: 1 byte compressed flag, 4 bytes big-endian payload length
const frameHeaderLen = 5

// FrameMessage prefixes payload with the 5-byte message header. The
// compressed flag is always zero; compression is outside this runtime.
func FrameMessage(payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[1:frameHeaderLen], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	return buf
}
