package balancer

import (
	"sync"

	"github.com/fullstorydev/grpcwire/resolver"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/transport"
)

// PickFirst returns the default balancer: every call goes to the first
// resolved address group. Calls arriving before the first resolution result
// are buffered on a delayed transport and drained in arrival order.
func PickFirst(tp TransportProvider) Balancer {
	return &pickFirst{tp: tp}
}

type pickFirst struct {
	tp TransportProvider

	mu            sync.Mutex
	groups        []resolver.AddressGroup
	resolutionErr *status.Status
	interim       *transport.DelayedTransport
	shutdown      bool
}

func (b *pickFirst) PickTransport(opts PickOptions) transport.ClientTransport {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return &transport.FailingTransport{St: status.Unavailable.WithDescription("balancer is shut down")}
	}
	if len(b.groups) > 0 {
		g := b.groups[0]
		b.mu.Unlock()
		return b.tp.GetTransport(g)
	}
	if b.resolutionErr != nil && !opts.WaitForReady {
		st := b.resolutionErr
		b.mu.Unlock()
		return &transport.FailingTransport{
			St: status.Unavailable.WithDescription("name resolution failed").WithCause(st.Err()),
		}
	}
	if b.interim == nil {
		b.interim = b.tp.NewDelayedTransport()
	}
	d := b.interim
	b.mu.Unlock()
	return d
}

func (b *pickFirst) HandleResolvedGroups(groups []resolver.AddressGroup) {
	if len(groups) == 0 {
		b.HandleResolutionError(status.Unavailable.WithDescription("name resolver returned no addresses"))
		return
	}
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.groups = groups
	b.resolutionErr = nil
	d := b.interim
	b.interim = nil
	first := groups[0]
	b.mu.Unlock()

	if d != nil {
		d.SetTransport(b.tp.GetTransport(first))
		b.tp.ReleaseDelayedTransport(d)
	}
}

func (b *pickFirst) HandleResolutionError(st *status.Status) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.resolutionErr = st
	d := b.interim
	b.interim = nil
	b.mu.Unlock()

	if d != nil {
		d.ShutdownNow(status.Unavailable.WithDescription("name resolution failed").WithCause(st.Err()))
		b.tp.ReleaseDelayedTransport(d)
	}
}

func (b *pickFirst) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	d := b.interim
	b.interim = nil
	b.mu.Unlock()

	if d != nil {
		d.ShutdownNow(status.Unavailable.WithDescription("channel is shutting down"))
		b.tp.ReleaseDelayedTransport(d)
	}
}
