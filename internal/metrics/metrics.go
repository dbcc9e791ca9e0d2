// Package metrics exposes prometheus instrumentation for the channel,
// transport, and server runtimes. Collectors are registered once on the
// default registerer; tests and embedders can register on their own via
// RegisterOn.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ClientStreamsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grpcwire",
		Subsystem: "client",
		Name:      "streams_started_total",
		Help:      "Streams created on client transports.",
	})
	ClientMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grpcwire",
		Subsystem: "client",
		Name:      "messages_sent_total",
		Help:      "Messages written by client calls.",
	})
	ClientMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grpcwire",
		Subsystem: "client",
		Name:      "messages_received_total",
		Help:      "Messages delivered to client call listeners.",
	})
	TransportsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grpcwire",
		Subsystem: "transport",
		Name:      "opened_total",
		Help:      "Successful transport connections.",
	})
	TransportFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grpcwire",
		Subsystem: "transport",
		Name:      "failures_total",
		Help:      "Failed transport connection attempts.",
	})
	PingsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grpcwire",
		Subsystem: "transport",
		Name:      "pings_sent_total",
		Help:      "Pings written to the wire.",
	})
	ServerStreamsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grpcwire",
		Subsystem: "server",
		Name:      "streams_started_total",
		Help:      "Streams accepted by server transports.",
	})
	ServerCallsUnimplemented = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grpcwire",
		Subsystem: "server",
		Name:      "calls_unimplemented_total",
		Help:      "Calls rejected because no handler was registered.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ClientStreamsStarted, ClientMessagesSent, ClientMessagesReceived,
		TransportsOpened, TransportFailures, PingsSent,
		ServerStreamsStarted, ServerCallsUnimplemented,
	}
}

// RegisterOn registers all collectors on r, ignoring duplicate registration.
func RegisterOn(r prometheus.Registerer) {
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

func init() {
	RegisterOn(prometheus.DefaultRegisterer)
}
