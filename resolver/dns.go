package resolver

import (
	"context"
	"net"
	"sync"

	"github.com/fullstorydev/grpcwire/status"
)

const defaultPort = "443"

// dnsFactory resolves host:port endpoints via the system resolver. All
// returned IPs form a single address group: they are equivalent ways to
// reach one logical backend.
type dnsFactory struct{}

func (dnsFactory) Scheme() string { return "dns" }

func (dnsFactory) NewResolver(target Target) (Resolver, error) {
	host, port, err := net.SplitHostPort(target.Endpoint)
	if err != nil {
		host = target.Endpoint
		port = defaultPort
	}
	return &dnsResolver{host: host, port: port}, nil
}

type dnsResolver struct {
	host string
	port string

	mu       sync.Mutex
	listener Listener
	shutdown bool
}

func (r *dnsResolver) Start(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
	r.Refresh()
}

func (r *dnsResolver) Refresh() {
	r.mu.Lock()
	l := r.listener
	down := r.shutdown
	r.mu.Unlock()
	if l == nil || down {
		return
	}
	go r.resolve(l)
}

func (r *dnsResolver) resolve(l Listener) {
	addrs, err := net.DefaultResolver.LookupHost(context.Background(), r.host)
	r.mu.Lock()
	down := r.shutdown
	r.mu.Unlock()
	if down {
		return
	}
	if err != nil {
		l.OnError(status.Unavailable.
			WithDescriptionf("dns resolution failed for %q", r.host).
			WithCause(err))
		return
	}
	group := AddressGroup{}
	for _, a := range addrs {
		group.Addrs = append(group.Addrs, net.JoinHostPort(a, r.port))
	}
	l.OnUpdate([]AddressGroup{group})
}

func (r *dnsResolver) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
}
