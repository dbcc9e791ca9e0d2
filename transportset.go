package grpcwire

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fullstorydev/grpcwire/internal/backoff"
	"github.com/fullstorydev/grpcwire/internal/metrics"
	"github.com/fullstorydev/grpcwire/resolver"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/transport"
)

// transportSetCallbacks is the channel's side of the pool relationship.
// Callbacks carry the pool's key (or the pool for identity-dependent
// bookkeeping) rather than a back-pointer into channel internals.
type transportSetCallbacks interface {
	onAllAddressesFailed(key string)
	onConnectionClosedByServer(key string, st *status.Status)
	onTransportSetInUse(ts *transportSet, inUse bool)
	onTransportSetTerminated(ts *transportSet)
}

// transportSet owns one address group and at most one connecting or
// connected transport at a time. While no transport is ready it hands out
// a delayed transport; connection attempts walk the group's addresses and
// back off exponentially after each full failed pass.
type transportSet struct {
	key       string
	group     resolver.AddressGroup
	authority string
	factory   transport.ClientFactory
	logger    logrus.FieldLogger
	cb        transportSetCallbacks
	backoff   *backoff.Policy

	mu             sync.Mutex
	shutdownFlag   bool
	terminatedFlag bool
	active         transport.ClientTransport
	pending        transport.ClientTransport
	connecting     bool
	delayed        *transport.DelayedTransport
	transports     map[transport.ClientTransport]struct{}
	addrIndex      int
	reconnectTimer *time.Timer
	inUseUnits     int
}

func newTransportSet(key string, group resolver.AddressGroup, authority string, factory transport.ClientFactory, logger logrus.FieldLogger, cb transportSetCallbacks) *transportSet {
	return &transportSet{
		key:        key,
		group:      group,
		authority:  authority,
		factory:    factory,
		logger:     logger.WithField("group", key),
		cb:         cb,
		backoff:    backoff.New(),
		transports: make(map[transport.ClientTransport]struct{}),
	}
}

// ObtainActiveTransport returns the ready transport, or a delayed transport
// that buffers streams while a connection attempt proceeds.
func (ts *transportSet) ObtainActiveTransport() transport.ClientTransport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.shutdownFlag {
		return &transport.FailingTransport{St: status.Unavailable.WithDescription("transport pool is shut down")}
	}
	if ts.active != nil {
		return ts.active
	}
	if ts.delayed == nil {
		ts.delayed = transport.NewDelayed(func(inUse bool) {
			ts.noteInUse(inUse)
		})
	}
	if !ts.connecting && ts.pending == nil && ts.reconnectTimer == nil {
		ts.connecting = true
		go ts.connectLoop()
	}
	return ts.delayed
}

// noteInUse aggregates in-use edges from the delayed transport and from
// real transports into a single pool-level edge.
func (ts *transportSet) noteInUse(inUse bool) {
	ts.mu.Lock()
	var edge *bool
	if inUse {
		ts.inUseUnits++
		if ts.inUseUnits == 1 {
			v := true
			edge = &v
		}
	} else {
		ts.inUseUnits--
		if ts.inUseUnits == 0 {
			v := false
			edge = &v
		}
	}
	ts.mu.Unlock()
	if edge != nil {
		ts.cb.onTransportSetInUse(ts, *edge)
	}
}

// connectLoop tries the group's addresses in order until one produces a
// transport or the pass fails.
func (ts *transportSet) connectLoop() {
	for {
		ts.mu.Lock()
		if ts.shutdownFlag {
			ts.connecting = false
			ts.mu.Unlock()
			ts.maybeTerminate()
			return
		}
		addr := ts.group.Addrs[ts.addrIndex]
		ts.mu.Unlock()

		l := &setTransportListener{ts: ts}
		t, err := ts.factory.NewClientTransport(addr, ts.authority, l)
		if err != nil {
			metrics.TransportFailures.Inc()
			ts.logger.WithField("addr", addr).WithError(err).Debug("connection attempt failed")
			if ts.advanceAddress() {
				continue
			}
			return
		}
		ts.mu.Lock()
		ts.connecting = false
		ts.pending = t
		ts.transports[t] = struct{}{}
		down := ts.shutdownFlag
		ts.mu.Unlock()
		// bind after registration so queued ready/shutdown events observe
		// the pending transport
		l.bind(t)
		if down {
			t.Shutdown(status.Unavailable.WithDescription("transport pool is shut down"))
		}
		return
	}
}

// advanceAddress moves to the next address after a failure. It reports true
// when the caller should retry immediately with the next address; false
// when the pass is over and a backoff timer was scheduled.
func (ts *transportSet) advanceAddress() bool {
	ts.mu.Lock()
	ts.addrIndex++
	if ts.addrIndex < len(ts.group.Addrs) && !ts.shutdownFlag {
		ts.mu.Unlock()
		return true
	}
	ts.addrIndex = 0
	ts.connecting = false
	delay := ts.backoff.NextDelay()
	down := ts.shutdownFlag
	if !down && ts.reconnectTimer == nil {
		ts.reconnectTimer = time.AfterFunc(delay, ts.retryConnect)
	}
	ts.mu.Unlock()

	if down {
		ts.maybeTerminate()
		return false
	}
	ts.cb.onAllAddressesFailed(ts.key)
	return false
}

func (ts *transportSet) retryConnect() {
	ts.mu.Lock()
	ts.reconnectTimer = nil
	// reconnect only while there is demand: a delayed transport exists
	if ts.shutdownFlag || ts.delayed == nil || ts.connecting || ts.pending != nil || ts.active != nil {
		ts.mu.Unlock()
		ts.maybeTerminate()
		return
	}
	ts.connecting = true
	ts.mu.Unlock()
	ts.connectLoop()
}

// setTransportListener routes transport lifecycle callbacks to the pool.
// The transport may emit events before NewClientTransport returns, so
// events queue until bind supplies the transport identity.
type setTransportListener struct {
	ts *transportSet

	mu     sync.Mutex
	t      transport.ClientTransport
	queued []func(t transport.ClientTransport)
}

func (l *setTransportListener) bind(t transport.ClientTransport) {
	l.mu.Lock()
	l.t = t
	queued := l.queued
	l.queued = nil
	l.mu.Unlock()
	for _, f := range queued {
		f(t)
	}
}

func (l *setTransportListener) dispatch(f func(t transport.ClientTransport)) {
	l.mu.Lock()
	if l.t == nil {
		l.queued = append(l.queued, f)
		l.mu.Unlock()
		return
	}
	t := l.t
	l.mu.Unlock()
	f(t)
}

func (l *setTransportListener) TransportReady() {
	l.dispatch(func(t transport.ClientTransport) { l.ts.transportReady(t) })
}

func (l *setTransportListener) TransportShutdown(st *status.Status) {
	l.dispatch(func(t transport.ClientTransport) { l.ts.transportShutdown(t, st) })
}

func (l *setTransportListener) TransportTerminated() {
	l.dispatch(func(t transport.ClientTransport) { l.ts.transportTerminated(t) })
}

func (l *setTransportListener) TransportInUse(inUse bool) {
	l.ts.noteInUse(inUse)
}

func (ts *transportSet) transportReady(t transport.ClientTransport) {
	ts.mu.Lock()
	if ts.pending == t {
		ts.pending = nil
	}
	if ts.shutdownFlag {
		ts.mu.Unlock()
		return
	}
	ts.active = t
	ts.addrIndex = 0
	// first success since the last failure resets the backoff
	ts.backoff.Reset()
	d := ts.delayed
	ts.delayed = nil
	ts.mu.Unlock()

	metrics.TransportsOpened.Inc()
	ts.logger.Debug("transport ready")
	if d != nil {
		d.SetTransport(t)
	}
}

func (ts *transportSet) transportShutdown(t transport.ClientTransport, st *status.Status) {
	ts.mu.Lock()
	wasActive := ts.active == t
	wasPending := ts.pending == t
	if wasActive {
		ts.active = nil
	}
	if wasPending {
		ts.pending = nil
	}
	down := ts.shutdownFlag
	ts.mu.Unlock()

	if down {
		return
	}
	if wasActive && !st.IsOK() {
		ts.cb.onConnectionClosedByServer(ts.key, st)
	}
	if wasPending {
		// handshake never completed: keep walking the address list
		if ts.advanceAddress() {
			ts.mu.Lock()
			ts.connecting = true
			ts.mu.Unlock()
			go ts.connectLoop()
		}
	}
}

func (ts *transportSet) transportTerminated(t transport.ClientTransport) {
	ts.mu.Lock()
	delete(ts.transports, t)
	ts.mu.Unlock()
	ts.maybeTerminate()
}

func (ts *transportSet) maybeTerminate() {
	ts.mu.Lock()
	if ts.terminatedFlag || !ts.shutdownFlag {
		ts.mu.Unlock()
		return
	}
	if len(ts.transports) > 0 || ts.connecting || ts.reconnectTimer != nil {
		ts.mu.Unlock()
		return
	}
	ts.terminatedFlag = true
	ts.mu.Unlock()
	ts.cb.onTransportSetTerminated(ts)
}

// Shutdown drains the pool: the active transport closes gracefully and no
// new connections are attempted. Buffered streams that never reached a
// transport fail, since nothing will ever serve them.
func (ts *transportSet) Shutdown() {
	ts.mu.Lock()
	if ts.shutdownFlag {
		ts.mu.Unlock()
		return
	}
	ts.shutdownFlag = true
	if ts.reconnectTimer != nil {
		ts.reconnectTimer.Stop()
		ts.reconnectTimer = nil
	}
	a := ts.active
	p := ts.pending
	d := ts.delayed
	ts.delayed = nil
	ts.mu.Unlock()

	st := status.Unavailable.WithDescription("transport pool is shut down")
	if d != nil {
		if a != nil {
			d.SetTransport(a)
		} else {
			d.ShutdownNow(st)
		}
	}
	if a != nil {
		a.Shutdown(st)
	}
	if p != nil {
		p.Shutdown(st)
	}
	ts.maybeTerminate()
}

// ShutdownNow additionally fails all active streams with st.
func (ts *transportSet) ShutdownNow(st *status.Status) {
	ts.Shutdown()
	ts.mu.Lock()
	all := make([]transport.ClientTransport, 0, len(ts.transports))
	for t := range ts.transports {
		all = append(all, t)
	}
	ts.mu.Unlock()
	for _, t := range all {
		t.ShutdownNow(st)
	}
}
