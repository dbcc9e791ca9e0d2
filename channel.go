package grpcwire

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fullstorydev/grpcwire/balancer"
	"github.com/fullstorydev/grpcwire/metadata"
	"github.com/fullstorydev/grpcwire/resolver"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/transport"
)

// Channel is a managed client channel: the entry point for calls. It owns
// name resolution, the balancer, per-address-group transport pools, idle
// mode, and shutdown orchestration.
//
// Lifecycle: a channel starts idle (no balancer); the first call or in-use
// notification makes it active. With an idle timeout configured it drops
// back to idle after inactivity. Shutdown stops new work; the channel
// terminates once every transport pool and delayed transport is gone.
type Channel struct {
	target      string
	authority   string
	opts        dialOptions
	logger      logrus.FieldLogger
	newResolver func() (resolver.Resolver, error)

	mu             sync.Mutex
	shutdownFlag   bool
	terminated     bool
	balancer       balancer.Balancer
	res            resolver.Resolver
	sets           map[string]*transportSet
	decommissioned map[*transportSet]struct{}
	delayed        map[*transport.DelayedTransport]struct{}
	inUse          int
	idleGen        int
	idleTimer      *time.Timer

	termCh chan struct{}
}

// Dial creates a channel for the target. The target is parsed as a URI; if
// no registered resolver accepts its scheme, the registry's default scheme
// applies and the whole string is treated as the endpoint. Dial fails only
// when no resolver matches at all; connections are established lazily.
func Dial(target string, opts ...DialOption) (*Channel, error) {
	o := defaultDialOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.logger = l
	}

	factory, parsed, err := o.registry.Parse(target)
	if err != nil {
		return nil, err
	}
	authority := parsed.Authority
	if authority == "" {
		authority = parsed.Endpoint
	}
	if o.factory == nil {
		o.factory = &transport.TCPClientFactory{UserAgent: o.userAgent, Logger: o.logger}
	}

	c := &Channel{
		target:    target,
		authority: authority,
		opts:      o,
		logger:    o.logger.WithField("channel", target),
		// idle mode replaces the resolver with a fresh instance each time
		newResolver: func() (resolver.Resolver, error) {
			return factory.NewResolver(parsed)
		},
		sets:           make(map[string]*transportSet),
		decommissioned: make(map[*transportSet]struct{}),
		delayed:        make(map[*transport.DelayedTransport]struct{}),
		termCh:         make(chan struct{}),
	}
	return c, nil
}

// NewCall creates a call for the method. It never blocks and always
// succeeds; on a shut-down channel the call fails on Start with
// UNAVAILABLE.
func (c *Channel) NewCall(method string, opts CallOptions) *ClientCall {
	return &ClientCall{
		method: method,
		opts:   opts,
		picker: c,
		done:   make(chan struct{}),
	}
}

// Invoke runs a unary call: it sends req, waits for the single response
// message, and returns the final status as an error. Metadata attached via
// WithOutgoingMetadata is sent as call headers. The response payload is
// copied into resp only when resp is a *[]byte and the message arrives as
// raw bytes (no response factory in opts); any other resp is left unchanged.
func (c *Channel) Invoke(ctx context.Context, method string, req, resp interface{}, opts CallOptions) error {
	call := c.NewCall(method, opts)
	w := &unaryWaiter{resp: resp, done: make(chan struct{})}
	call.Start(ctx, w, metadataFromOutgoing(ctx))
	// two permits so an over-eager server is detected rather than stalled
	call.Request(2)
	if err := call.SendMessage(req); err != nil {
		<-w.done
		return err
	}
	call.HalfClose()
	<-w.done

	st := w.st
	if st.IsOK() && !w.got {
		st = status.Internal.WithDescription("server closed without a response message")
	}
	if st.IsOK() && w.extra {
		st = status.Internal.WithDescription("too many response messages for unary call")
	}
	return st.Err()
}

type unaryWaiter struct {
	resp  interface{}
	done  chan struct{}
	got   bool
	extra bool
	st    *status.Status
}

func (w *unaryWaiter) OnReady()               {}
func (w *unaryWaiter) OnHeaders(*metadata.MD) {}

func (w *unaryWaiter) OnMessage(msg interface{}) {
	if w.got {
		w.extra = true
		return
	}
	w.got = true
	if b, ok := msg.([]byte); ok {
		if out, ok := w.resp.(*[]byte); ok {
			*out = append((*out)[:0], b...)
		}
	}
}

func (w *unaryWaiter) OnClose(st *status.Status, _ *metadata.MD) {
	w.st = st
	close(w.done)
}

// outgoingMetadataKey attaches caller metadata to a context for Invoke.
type outgoingMetadataKey struct{}

// WithOutgoingMetadata returns a context carrying metadata that Invoke
// sends as call headers.
func WithOutgoingMetadata(ctx context.Context, md *metadata.MD) context.Context {
	return context.WithValue(ctx, outgoingMetadataKey{}, md)
}

func metadataFromOutgoing(ctx context.Context) *metadata.MD {
	if md, ok := ctx.Value(outgoingMetadataKey{}).(*metadata.MD); ok {
		return md.Copy()
	}
	return nil
}

// pickTransport implements transportPicker for calls.
func (c *Channel) pickTransport(waitForReady bool) transport.ClientTransport {
	c.mu.Lock()
	if c.shutdownFlag {
		c.mu.Unlock()
		return &transport.FailingTransport{St: status.Unavailable.WithDescription("channel is shut down")}
	}
	run := c.exitIdleLocked()
	b := c.balancer
	c.mu.Unlock()

	if run != nil {
		run()
	}
	return b.PickTransport(balancer.PickOptions{WaitForReady: waitForReady})
}

// exitIdleLocked leaves idle mode if needed, returning work to run outside
// the lock (starting the resolver may block).
func (c *Channel) exitIdleLocked() func() {
	if c.shutdownFlag {
		return nil
	}
	c.cancelIdleTimerLocked()
	if c.balancer != nil {
		if c.inUse == 0 {
			c.rearmIdleTimerLocked()
		}
		return nil
	}
	b := c.opts.balancerFactory(&channelProvider{c: c})
	c.balancer = b
	if c.inUse == 0 {
		c.rearmIdleTimerLocked()
	}

	res, err := c.newResolver()
	if err != nil {
		return func() {
			b.HandleResolutionError(status.Unavailable.
				WithDescription("failed to create name resolver").
				WithCause(err))
		}
	}
	c.res = res
	return func() {
		res.Start(&resolverAdapter{b: b})
	}
}

// resolverAdapter feeds one balancer generation; a stale resolver can never
// reach a newer balancer.
type resolverAdapter struct {
	b balancer.Balancer
}

func (a *resolverAdapter) OnUpdate(groups []resolver.AddressGroup) {
	a.b.HandleResolvedGroups(groups)
}

func (a *resolverAdapter) OnError(st *status.Status) {
	a.b.HandleResolutionError(st)
}

// Idle timer management. The generation counter doubles as the cancelled
// flag: a timer firing with a stale generation lost the race to new use
// and does nothing.

func (c *Channel) cancelIdleTimerLocked() {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Channel) rearmIdleTimerLocked() {
	if c.opts.idleTimeout <= 0 || c.shutdownFlag || c.balancer == nil {
		return
	}
	c.idleGen++
	gen := c.idleGen
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.opts.idleTimeout, func() { c.idleTimerFired(gen) })
}

func (c *Channel) idleTimerFired(gen int) {
	c.mu.Lock()
	if gen != c.idleGen || c.shutdownFlag || c.balancer == nil {
		c.mu.Unlock()
		return
	}
	c.idleTimer = nil
	b := c.balancer
	r := c.res
	c.balancer = nil
	c.res = nil
	moved := make([]*transportSet, 0, len(c.sets))
	for key, ts := range c.sets {
		delete(c.sets, key)
		c.decommissioned[ts] = struct{}{}
		moved = append(moved, ts)
	}
	c.mu.Unlock()

	c.logger.Debug("entering idle mode")
	b.Shutdown()
	if r != nil {
		r.Shutdown()
	}
	// decommissioned pools keep serving existing streams but accept no new
	// ones and drain away
	for _, ts := range moved {
		ts.Shutdown()
	}
}

// handleInUse is the channel-wide in-use aggregator: transport pools and
// delayed transports report 0<->1 edge transitions here.
func (c *Channel) handleInUse(inUse bool) {
	c.mu.Lock()
	var run func()
	if inUse {
		c.inUse++
		if c.inUse == 1 {
			run = c.exitIdleLocked()
		}
	} else {
		c.inUse--
		if c.inUse == 0 {
			c.rearmIdleTimerLocked()
		}
	}
	c.mu.Unlock()
	if run != nil {
		run()
	}
}

// channelProvider implements balancer.TransportProvider.
type channelProvider struct {
	c *Channel
}

func (p *channelProvider) GetTransport(group resolver.AddressGroup) transport.ClientTransport {
	c := p.c
	c.mu.Lock()
	if c.shutdownFlag {
		c.mu.Unlock()
		return &transport.FailingTransport{St: status.Unavailable.WithDescription("channel is shut down")}
	}
	key := group.Key()
	ts, ok := c.sets[key]
	if !ok {
		ts = newTransportSet(key, group, c.authority, c.opts.factory, c.logger, c)
		c.sets[key] = ts
	}
	c.mu.Unlock()
	return ts.ObtainActiveTransport()
}

func (p *channelProvider) NewDelayedTransport() *transport.DelayedTransport {
	c := p.c
	d := transport.NewDelayed(c.handleInUse)
	c.mu.Lock()
	c.delayed[d] = struct{}{}
	c.mu.Unlock()
	return d
}

func (p *channelProvider) ReleaseDelayedTransport(d *transport.DelayedTransport) {
	c := p.c
	c.mu.Lock()
	delete(c.delayed, d)
	c.maybeTerminateLocked()
	c.mu.Unlock()
}

// transportSet callbacks.

func (c *Channel) onAllAddressesFailed(key string) {
	c.mu.Lock()
	r := c.res
	c.mu.Unlock()
	if r != nil {
		r.Refresh()
	}
}

func (c *Channel) onConnectionClosedByServer(key string, st *status.Status) {
	c.logger.WithField("group", key).WithField("status", st.String()).
		Debug("connection closed by server")
	c.mu.Lock()
	r := c.res
	c.mu.Unlock()
	if r != nil {
		r.Refresh()
	}
}

func (c *Channel) onTransportSetInUse(ts *transportSet, inUse bool) {
	c.handleInUse(inUse)
}

func (c *Channel) onTransportSetTerminated(ts *transportSet) {
	c.mu.Lock()
	if cur, ok := c.sets[ts.key]; ok && cur == ts {
		delete(c.sets, ts.key)
	}
	delete(c.decommissioned, ts)
	c.maybeTerminateLocked()
	c.mu.Unlock()
}

// maybeTerminateLocked checks the termination condition: shut down, no
// transport pools (live or decommissioned), no delayed transports.
func (c *Channel) maybeTerminateLocked() {
	if c.terminated || !c.shutdownFlag {
		return
	}
	if len(c.sets) > 0 || len(c.decommissioned) > 0 || len(c.delayed) > 0 {
		return
	}
	c.terminated = true
	close(c.termCh)
}

// Shutdown starts an orderly shutdown: existing calls continue, new calls
// fail, no new transports are created. Idempotent; returns immediately.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.shutdownFlag {
		c.mu.Unlock()
		return
	}
	c.shutdownFlag = true
	c.cancelIdleTimerLocked()
	b := c.balancer
	r := c.res
	c.balancer = nil
	c.res = nil
	all := c.snapshotSetsLocked()
	c.maybeTerminateLocked()
	c.mu.Unlock()

	// slow work runs outside the channel lock
	if b != nil {
		b.Shutdown()
	}
	if r != nil {
		r.Shutdown()
	}
	for _, ts := range all {
		ts.Shutdown()
	}
}

// ShutdownNow additionally cancels all active and buffered work with
// UNAVAILABLE.
func (c *Channel) ShutdownNow() {
	c.Shutdown()
	st := status.Unavailable.WithDescription("channel was shut down forcefully")

	c.mu.Lock()
	all := c.snapshotSetsLocked()
	delayed := make([]*transport.DelayedTransport, 0, len(c.delayed))
	for d := range c.delayed {
		delayed = append(delayed, d)
	}
	c.mu.Unlock()

	for _, d := range delayed {
		d.ShutdownNow(st)
	}
	for _, ts := range all {
		ts.ShutdownNow(st)
	}
}

func (c *Channel) snapshotSetsLocked() []*transportSet {
	out := make([]*transportSet, 0, len(c.sets)+len(c.decommissioned))
	for _, ts := range c.sets {
		out = append(out, ts)
	}
	for ts := range c.decommissioned {
		out = append(out, ts)
	}
	return out
}

// IsShutdown reports whether Shutdown has been called.
func (c *Channel) IsShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdownFlag
}

// IsTerminated reports whether the channel has fully terminated. A
// terminated channel is always shut down.
func (c *Channel) IsTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// AwaitTermination blocks until the channel terminates or the timeout
// elapses, reporting which.
func (c *Channel) AwaitTermination(d time.Duration) bool {
	select {
	case <-c.termCh:
		return true
	case <-time.After(d):
		return false
	}
}

// isIdle reports whether the channel currently has no balancer.
func (c *Channel) isIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balancer == nil
}

// liveTransportSets reports how many address groups have active pools.
func (c *Channel) liveTransportSets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sets)
}
