// Package resolver defines name resolution for channel targets: turning a
// target string into groups of socket addresses, with refresh on failure.
package resolver

import (
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/fullstorydev/grpcwire/status"
)

// AddressGroup is an ordered set of socket addresses treated as one logical
// backend (an equivalent address group).
type AddressGroup struct {
	Addrs []string
}

// Key returns a stable identity for the group, used to index transport
// pools.
func (g AddressGroup) Key() string {
	return strings.Join(g.Addrs, ",")
}

// Target is a parsed channel target.
type Target struct {
	Scheme string
	// Authority is the URI authority component, when present.
	Authority string
	// Endpoint is what the resolver actually resolves: the URI path
	// remainder, or the whole original target when the default scheme was
	// applied.
	Endpoint string
}

// Listener receives resolution results.
type Listener interface {
	OnUpdate(groups []AddressGroup)
	OnError(st *status.Status)
}

// Resolver resolves one target. Start must be called exactly once; results
// are delivered asynchronously to the listener, including after Refresh.
type Resolver interface {
	Start(l Listener)
	// Refresh re-runs resolution. Called by the channel when all addresses
	// of a group failed or a server closed the connection abnormally.
	Refresh()
	Shutdown()
}

// Factory creates resolvers for one URI scheme.
type Factory interface {
	Scheme() string
	NewResolver(target Target) (Resolver, error)
}

// Registry maps schemes to factories and applies the default-scheme
// fallback when a target's scheme is unknown.
type Registry struct {
	mu            sync.Mutex
	factories     map[string]Factory
	defaultScheme string
}

// NewRegistry returns an empty registry with the given default scheme.
func NewRegistry(defaultScheme string) *Registry {
	return &Registry{
		factories:     make(map[string]Factory),
		defaultScheme: defaultScheme,
	}
}

// Register adds a factory, replacing any previous one for its scheme.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Scheme()] = f
}

func (r *Registry) lookup(scheme string) Factory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.factories[scheme]
}

// Parse resolves a target string to a factory and parsed target. The target
// is first treated as a URI; if no factory accepts its scheme, the default
// scheme is applied and the whole string becomes the endpoint.
func (r *Registry) Parse(target string) (Factory, Target, error) {
	if u, err := url.Parse(target); err == nil && u.Scheme != "" {
		if f := r.lookup(u.Scheme); f != nil {
			endpoint := u.Opaque
			if endpoint == "" {
				endpoint = strings.TrimPrefix(u.Path, "/")
			}
			return f, Target{Scheme: u.Scheme, Authority: u.Host, Endpoint: endpoint}, nil
		}
	}
	r.mu.Lock()
	def := r.defaultScheme
	r.mu.Unlock()
	if f := r.lookup(def); f != nil {
		return f, Target{Scheme: def, Endpoint: target}, nil
	}
	return nil, Target{}, errors.Errorf("no name resolver found for target %q", target)
}

// DefaultRegistry resolves passthrough and dns targets, treating bare
// authorities as dns names.
var DefaultRegistry = func() *Registry {
	r := NewRegistry("dns")
	r.Register(passthroughFactory{})
	r.Register(dnsFactory{})
	return r
}()
