package transport

import (
	"context"
	"sync"
	"time"

	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
)

// DelayedTransport buffers stream creations until a real transport becomes
// available. Buffered streams are created against the real transport in
// arrival order. It is handed out by TransportSet while no connection is
// ready, and by the balancer while resolution is still in flight.
type DelayedTransport struct {
	// onInUse, when set, fires on 0<->1 transitions of the buffered stream
	// count, feeding the channel's in-use aggregator.
	onInUse func(inUse bool)

	mu       sync.Mutex
	real     ClientTransport
	failure  *status.Status
	shutdown bool
	pending  []*pendingStream
}

var _ ClientTransport = (*DelayedTransport)(nil)

// NewDelayed returns an empty delayed transport. onInUse may be nil.
func NewDelayed(onInUse func(inUse bool)) *DelayedTransport {
	return &DelayedTransport{onInUse: onInUse}
}

func (d *DelayedTransport) NewStream(ctx context.Context, hdr *CallHdr, l ClientStreamListener) (ClientStream, error) {
	d.mu.Lock()
	if d.real != nil && !d.shutdown {
		real := d.real
		d.mu.Unlock()
		return real.NewStream(ctx, hdr, l)
	}
	if d.failure != nil {
		st := d.failure
		d.mu.Unlock()
		return nil, &StreamError{Status: st}
	}
	if d.shutdown {
		d.mu.Unlock()
		return nil, &StreamError{Status: status.Unavailable.WithDescription("transport is shut down")}
	}
	ps := &pendingStream{ctx: ctx, hdr: hdr, listener: l}
	d.pending = append(d.pending, ps)
	first := len(d.pending) == 1
	cb := d.onInUse
	d.mu.Unlock()
	if first && cb != nil {
		cb(true)
	}
	return ps, nil
}

// SetTransport supplies the real transport, draining buffered streams
// against it in arrival order.
func (d *DelayedTransport) SetTransport(t ClientTransport) {
	d.mu.Lock()
	if d.real != nil || d.failure != nil {
		d.mu.Unlock()
		return
	}
	d.real = t
	pending := d.pending
	d.pending = nil
	cb := d.onInUse
	d.mu.Unlock()

	for _, ps := range pending {
		ps.bind(t)
	}
	if len(pending) > 0 && cb != nil {
		cb(false)
	}
}

// Shutdown stops accepting new streams. Streams already buffered still
// drain against whatever real transport is supplied later.
func (d *DelayedTransport) Shutdown(st *status.Status) {
	d.mu.Lock()
	d.shutdown = true
	d.mu.Unlock()
}

// ShutdownNow fails every buffered stream with st and refuses new ones.
func (d *DelayedTransport) ShutdownNow(st *status.Status) {
	d.mu.Lock()
	d.shutdown = true
	if d.failure == nil {
		d.failure = st
	}
	pending := d.pending
	d.pending = nil
	cb := d.onInUse
	d.mu.Unlock()

	for _, ps := range pending {
		ps.fail(st)
	}
	if len(pending) > 0 && cb != nil {
		cb(false)
	}
}

// HasPending reports whether any stream is still buffered.
func (d *DelayedTransport) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0
}

// Ping forwards to the real transport once one is set; before that it fails
// with UNAVAILABLE.
func (d *DelayedTransport) Ping(cb func(rtt time.Duration, err error)) {
	d.mu.Lock()
	real := d.real
	d.mu.Unlock()
	if real != nil {
		real.Ping(cb)
		return
	}
	if cb != nil {
		cb(0, status.Unavailable.WithDescription("no transport is ready").Err())
	}
}

// pendingStream queues stream operations until a real stream exists.
type pendingStream struct {
	ctx      context.Context
	hdr      *CallHdr
	listener ClientStreamListener

	mu     sync.Mutex
	real   ClientStream
	ops    []func(ClientStream)
	failed bool
}

var _ ClientStream = (*pendingStream)(nil)

func (p *pendingStream) Write(data []byte, endStream bool) {
	p.do(func(s ClientStream) { s.Write(data, endStream) })
}

func (p *pendingStream) Request(n int) {
	p.do(func(s ClientStream) { s.Request(n) })
}

func (p *pendingStream) Cancel(st *status.Status) {
	p.mu.Lock()
	if p.real == nil && !p.failed {
		// never reached a transport; deliver the terminal state directly
		p.failed = true
		l := p.listener
		p.mu.Unlock()
		l.OnClose(st, metadata.New())
		return
	}
	p.mu.Unlock()
	p.do(func(s ClientStream) { s.Cancel(st) })
}

func (p *pendingStream) do(op func(ClientStream)) {
	p.mu.Lock()
	if p.failed {
		p.mu.Unlock()
		return
	}
	if p.real == nil {
		p.ops = append(p.ops, op)
		p.mu.Unlock()
		return
	}
	real := p.real
	p.mu.Unlock()
	op(real)
}

// bind creates the real stream and replays queued operations in order.
func (p *pendingStream) bind(t ClientTransport) {
	p.mu.Lock()
	if p.failed {
		p.mu.Unlock()
		return
	}
	ops := p.ops
	p.ops = nil
	listener := p.listener
	p.mu.Unlock()

	real, err := t.NewStream(p.ctx, p.hdr, listener)
	if err != nil {
		p.fail(StatusOf(err))
		return
	}
	p.mu.Lock()
	p.real = real
	p.mu.Unlock()
	for _, op := range ops {
		op(real)
	}
}

func (p *pendingStream) fail(st *status.Status) {
	p.mu.Lock()
	if p.failed || p.real != nil {
		p.mu.Unlock()
		return
	}
	p.failed = true
	l := p.listener
	p.mu.Unlock()
	l.OnClose(st, metadata.New())
}

// FailingTransport fails every stream with a fixed status. The channel
// hands it out once shut down, and the balancer when resolution has failed
// for a fail-fast call.
type FailingTransport struct {
	St *status.Status
}

var _ ClientTransport = (*FailingTransport)(nil)

func (f *FailingTransport) NewStream(ctx context.Context, hdr *CallHdr, l ClientStreamListener) (ClientStream, error) {
	return nil, &StreamError{Status: f.St}
}

func (f *FailingTransport) Ping(cb func(time.Duration, error)) {
	if cb != nil {
		cb(0, f.St.Err())
	}
}

func (f *FailingTransport) Shutdown(*status.Status)    {}
func (f *FailingTransport) ShutdownNow(*status.Status) {}
