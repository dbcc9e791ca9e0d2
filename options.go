package grpcwire

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fullstorydev/grpcwire/balancer"
	"github.com/fullstorydev/grpcwire/codec"
	"github.com/fullstorydev/grpcwire/resolver"
	"github.com/fullstorydev/grpcwire/transport"
)

// CallOptionKey identifies a custom call option. Keys compare by identity;
// the key carries the default returned when a call has no value for it.
type CallOptionKey struct {
	name string
	// Default is returned by CallOptions.Value for absent keys.
	Default interface{}
}

// NewCallOptionKey creates a key. name is for debugging only.
func NewCallOptionKey(name string, def interface{}) *CallOptionKey {
	return &CallOptionKey{name: name, Default: def}
}

func (k *CallOptionKey) String() string { return k.name }

// CallOptions is an immutable bundle of per-call settings. The zero value
// is usable; each With* method returns a modified copy.
type CallOptions struct {
	deadline        *time.Time
	authority       string
	waitForReady    bool
	codec           codec.Codec
	responseFactory func() interface{}
	custom          map[*CallOptionKey]interface{}
}

// WithDeadline sets an absolute deadline.
func (o CallOptions) WithDeadline(t time.Time) CallOptions {
	o.deadline = &t
	return o
}

// WithDeadlineAfter sets a deadline the given duration from now.
func (o CallOptions) WithDeadlineAfter(d time.Duration) CallOptions {
	return o.WithDeadline(time.Now().Add(d))
}

// Deadline returns the configured deadline, if any.
func (o CallOptions) Deadline() (time.Time, bool) {
	if o.deadline == nil {
		return time.Time{}, false
	}
	return *o.deadline, true
}

// WithAuthority overrides the :authority header for the call.
func (o CallOptions) WithAuthority(a string) CallOptions {
	o.authority = a
	return o
}

// WithWaitForReady keeps the call queued through transient resolution
// failures instead of failing fast with UNAVAILABLE.
func (o CallOptions) WithWaitForReady(w bool) CallOptions {
	o.waitForReady = w
	return o
}

// WithCodec sets the message codec; the default is the proto codec.
func (o CallOptions) WithCodec(c codec.Codec) CallOptions {
	o.codec = c
	return o
}

// WithResponseFactory sets the allocator for decoded response messages.
// Without one, OnMessage receives raw []byte payloads.
func (o CallOptions) WithResponseFactory(f func() interface{}) CallOptions {
	o.responseFactory = f
	return o
}

// WithValue attaches a custom option.
func (o CallOptions) WithValue(k *CallOptionKey, v interface{}) CallOptions {
	m := make(map[*CallOptionKey]interface{}, len(o.custom)+1)
	for key, val := range o.custom {
		m[key] = val
	}
	m[k] = v
	o.custom = m
	return o
}

// Value reads a custom option, falling back to the key's default.
func (o CallOptions) Value(k *CallOptionKey) interface{} {
	if v, ok := o.custom[k]; ok {
		return v
	}
	return k.Default
}

func (o CallOptions) effectiveCodec() codec.Codec {
	if o.codec != nil {
		return o.codec
	}
	return codec.Proto{}
}

// dialOptions collects channel construction settings.
type dialOptions struct {
	idleTimeout     time.Duration
	userAgent       string
	logger          logrus.FieldLogger
	registry        *resolver.Registry
	balancerFactory balancer.Factory
	factory         transport.ClientFactory
}

// DialOption configures a Channel.
type DialOption func(*dialOptions)

func defaultDialOptions() dialOptions {
	return dialOptions{
		registry:        resolver.DefaultRegistry,
		balancerFactory: balancer.PickFirst,
	}
}

// WithIdleTimeout enables idle mode: after the given duration with no
// active streams the channel drops its balancer and transports until the
// next call. Zero disables idle mode.
func WithIdleTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.idleTimeout = d }
}

// WithUserAgent prefixes the transport's user-agent header.
func WithUserAgent(ua string) DialOption {
	return func(o *dialOptions) { o.userAgent = ua }
}

// WithLogger supplies the channel logger; the default discards everything.
func WithLogger(l logrus.FieldLogger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// WithResolverRegistry overrides the resolver registry.
func WithResolverRegistry(r *resolver.Registry) DialOption {
	return func(o *dialOptions) { o.registry = r }
}

// WithBalancerFactory overrides the balancer; the default is pick-first.
func WithBalancerFactory(f balancer.Factory) DialOption {
	return func(o *dialOptions) { o.balancerFactory = f }
}

// WithTransportFactory overrides how connections are established; the
// default dials plaintext TCP.
func WithTransportFactory(f transport.ClientFactory) DialOption {
	return func(o *dialOptions) { o.factory = f }
}

// serverOptions collects server construction settings.
type serverOptions struct {
	logger   logrus.FieldLogger
	fallback HandlerMap
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// WithServerLogger supplies the server logger.
func WithServerLogger(l logrus.FieldLogger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithFallbackRegistry sets a registry consulted when the primary registry
// has no handler for a method.
func WithFallbackRegistry(m HandlerMap) ServerOption {
	return func(o *serverOptions) { o.fallback = m }
}
