// Package balancer defines how a channel picks a transport for each call,
// and provides the default pick-first implementation.
package balancer

import (
	"github.com/fullstorydev/grpcwire/resolver"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/transport"
)

// PickOptions carries the per-call inputs to transport selection.
type PickOptions struct {
	// WaitForReady keeps the call queued through resolution failures
	// instead of failing fast.
	WaitForReady bool
}

// Balancer selects transports for calls. PickTransport never blocks: when
// no backend is known yet it returns a delayed transport that buffers the
// stream.
type Balancer interface {
	PickTransport(opts PickOptions) transport.ClientTransport
	// HandleResolvedGroups delivers a fresh address list from the resolver.
	HandleResolvedGroups(groups []resolver.AddressGroup)
	// HandleResolutionError reports a resolver failure; calls queued on a
	// delayed transport fail with UNAVAILABLE.
	HandleResolutionError(st *status.Status)
	Shutdown()
}

// TransportProvider is the balancer's view of the channel: an arena of
// transport pools keyed by address group.
type TransportProvider interface {
	// GetTransport returns the pooled transport for the group, creating the
	// pool on first use. The result may be a delayed transport while the
	// pool is still connecting.
	GetTransport(group resolver.AddressGroup) transport.ClientTransport
	// NewDelayedTransport creates a delayed transport tracked by the
	// channel for termination accounting.
	NewDelayedTransport() *transport.DelayedTransport
	// ReleaseDelayedTransport returns a delayed transport once the balancer
	// has resolved or failed it.
	ReleaseDelayedTransport(d *transport.DelayedTransport)
}

// Factory creates a balancer bound to a provider.
type Factory func(tp TransportProvider) Balancer
