package grpcwire

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fullstorydev/grpcwire/internal/grpcutil"
	"github.com/fullstorydev/grpcwire/internal/metrics"
	"github.com/fullstorydev/grpcwire/internal/syncutil"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/transport"
)

// transportPicker is the call's view of the channel.
type transportPicker interface {
	pickTransport(waitForReady bool) transport.ClientTransport
}

// ClientCall is the per-call state machine: it owns the deadline timer,
// context propagation, flow-control requests, and the ordered delivery of
// listener callbacks. Created by Channel.NewCall; inert until Start.
type ClientCall struct {
	method string
	opts   CallOptions
	picker transportPicker

	ser  syncutil.Serializer
	done chan struct{}

	mu            sync.Mutex
	started       bool
	halfClosed    bool
	cancelled     bool
	closePending  bool
	closeDone     bool
	closeStatus   *status.Status
	closeTrailers *metadata.MD
	listener      CallListener
	stream        transport.ClientStream
	deadlineTimer *time.Timer
	doneClosed    bool
}

// Method returns the fully-qualified method name.
func (c *ClientCall) Method() string { return c.method }

// Start begins the call. It must be called exactly once. The given context
// is captured: its cancellation cancels the call and its deadline
// participates in the effective deadline (the smaller of the context's and
// the options' deadlines wins). Errors surface through the listener's
// OnClose; Start itself never fails.
func (c *ClientCall) Start(ctx context.Context, l CallListener, hdrs *metadata.MD) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		panic("grpcwire: Start called more than once on a call")
	}
	c.started = true
	c.listener = l
	c.mu.Unlock()

	if hdrs == nil {
		hdrs = metadata.New()
	}
	// the transport owns the canonical values for these
	for _, k := range grpcutil.ReservedHeaders {
		hdrs.Remove(k)
	}

	deadline, hasDeadline := effectiveDeadline(ctx, c.opts)
	var remaining time.Duration
	if hasDeadline {
		remaining = time.Until(deadline)
		if remaining <= 0 {
			// expired before any transport work: complete locally
			c.scheduleClose(status.DeadlineExceeded.WithDescription("deadline expired before call was started"), nil, false)
			return
		}
	}

	t := c.picker.pickTransport(c.opts.waitForReady)
	s, err := t.NewStream(ctx, &transport.CallHdr{
		Method:     c.method,
		Authority:  c.opts.authority,
		Headers:    hdrs,
		Timeout:    remaining,
		HasTimeout: hasDeadline,
	}, (*callStreamListener)(c))
	if err != nil {
		c.scheduleClose(transport.StatusOf(err), nil, false)
		return
	}

	c.mu.Lock()
	if c.cancelled || c.closePending {
		st := c.closeStatus
		c.mu.Unlock()
		if st == nil {
			st = status.Cancelled
		}
		s.Cancel(st)
		return
	}
	c.stream = s
	if hasDeadline {
		c.deadlineTimer = time.AfterFunc(remaining, c.onDeadline)
	}
	c.mu.Unlock()

	go c.watchContext(ctx)
	c.dispatch(func() { l.OnReady() })
}

func effectiveDeadline(ctx context.Context, opts CallOptions) (time.Time, bool) {
	ctxDl, okCtx := ctx.Deadline()
	optDl, okOpt := opts.Deadline()
	switch {
	case okCtx && okOpt:
		if ctxDl.Before(optDl) {
			return ctxDl, true
		}
		return optDl, true
	case okCtx:
		return ctxDl, true
	case okOpt:
		return optDl, true
	}
	return time.Time{}, false
}

func (c *ClientCall) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		c.cancelWith(status.FromContextError(ctx.Err()))
	case <-c.done:
	}
}

func (c *ClientCall) onDeadline() {
	c.cancelWith(status.DeadlineExceeded.WithDescriptionf("deadline exceeded on %s", c.method))
}

// SendMessage marshals and enqueues one request message. It fails with
// INTERNAL if the call has been half-closed or cancelled.
func (c *ClientCall) SendMessage(msg interface{}) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		panic("grpcwire: SendMessage before Start")
	}
	if c.halfClosed || c.cancelled || c.closeDone {
		c.mu.Unlock()
		return status.Internal.WithDescription("message sent on a closed call").Err()
	}
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return status.Internal.WithDescription("call has no stream").Err()
	}

	data, err := c.opts.effectiveCodec().Marshal(msg)
	if err != nil {
		st := status.Internal.WithDescription("failed to marshal request").WithCause(err)
		c.cancelWith(st)
		return st.Err()
	}
	s.Write(transport.FrameMessage(data), false)
	metrics.ClientMessagesSent.Inc()
	return nil
}

// Request grants n additional message deliveries to the listener.
func (c *ClientCall) Request(n int) {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		s.Request(n)
	}
}

// HalfClose signals that no more messages will be sent. Idempotent.
func (c *ClientCall) HalfClose() {
	c.mu.Lock()
	if c.halfClosed || c.cancelled || c.closeDone {
		c.mu.Unlock()
		return
	}
	c.halfClosed = true
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		s.Write(nil, true)
	}
}

// Cancel tears the call down. The first cancellation wins; later calls and
// any queued server status are ignored. Safe to call concurrently with any
// other operation.
func (c *ClientCall) Cancel(desc string, cause error) {
	if desc == "" {
		desc = "call was cancelled"
	}
	c.cancelWith(status.Cancelled.WithDescription(desc).WithCause(cause))
}

// cancelWith performs the terminal transition for locally-originated
// failures: deadline expiry, context cancellation, listener panics, and
// explicit Cancel. The status overrides any close already queued but not
// yet delivered.
func (c *ClientCall) cancelWith(st *status.Status) {
	c.mu.Lock()
	if c.cancelled || c.closeDone {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	s := c.stream
	c.mu.Unlock()

	c.scheduleClose(st, nil, true)
	if s != nil {
		s.Cancel(st)
	}
}

// scheduleClose queues the terminal OnClose. Exactly one close is ever
// delivered; override replaces the pending status (cancellation beats a
// queued server close).
func (c *ClientCall) scheduleClose(st *status.Status, trailers *metadata.MD, override bool) {
	c.mu.Lock()
	if c.closeDone || (c.closePending && !override) {
		c.mu.Unlock()
		return
	}
	first := !c.closePending
	c.closePending = true
	c.closeStatus = st
	c.closeTrailers = trailers
	c.mu.Unlock()

	if first {
		c.ser.Schedule(c.deliverClose)
	}
}

func (c *ClientCall) deliverClose() {
	c.mu.Lock()
	if c.closeDone {
		c.mu.Unlock()
		return
	}
	c.closeDone = true
	st := c.closeStatus
	trailers := c.closeTrailers
	l := c.listener
	timer := c.deadlineTimer
	c.deadlineTimer = nil
	signalDone := !c.doneClosed
	c.doneClosed = true
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if signalDone {
		close(c.done)
	}
	if trailers == nil {
		trailers = metadata.New()
	}
	// a panic from OnClose has nowhere useful to go; contain it
	defer func() { recover() }()
	l.OnClose(st, trailers)
}

// dispatch runs a listener callback on the call's serializer, suppressing
// it after cancellation and converting panics into call cancellation.
func (c *ClientCall) dispatch(f func()) {
	c.ser.Schedule(func() {
		c.mu.Lock()
		skip := c.cancelled || c.closeDone
		c.mu.Unlock()
		if skip {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				cause := errors.Errorf("panic: %v", r)
				c.cancelWith(status.Cancelled.
					WithDescription("application listener panicked").
					WithCause(cause))
			}
		}()
		f()
	})
}

// callStreamListener adapts the transport's stream events onto the call.
// Conversions run on the serializer so a slow or panicking application
// never blocks the transport's reader goroutine.
type callStreamListener ClientCall

func (l *callStreamListener) call() *ClientCall { return (*ClientCall)(l) }

func (l *callStreamListener) OnHeaders(md *metadata.MD) {
	c := l.call()
	c.dispatch(func() { c.listener.OnHeaders(md) })
}

func (l *callStreamListener) OnMessage(data []byte) {
	c := l.call()
	c.dispatch(func() {
		var msg interface{}
		if f := c.opts.responseFactory; f != nil {
			m := f()
			if err := c.opts.effectiveCodec().Unmarshal(data, m); err != nil {
				c.cancelWith(status.Internal.
					WithDescription("failed to unmarshal response message").
					WithCause(err))
				return
			}
			msg = m
		} else {
			msg = data
		}
		metrics.ClientMessagesReceived.Inc()
		c.listener.OnMessage(msg)
	})
}

func (l *callStreamListener) OnClose(st *status.Status, trailers *metadata.MD) {
	l.call().scheduleClose(st, trailers, false)
}
