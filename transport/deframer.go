package transport

import (
	"encoding/binary"

	"github.com/fullstorydev/grpcwire/status"
)

// deframer turns the inbound byte stream of one HTTP/2 stream into discrete
// length-prefixed messages, honoring the listener's flow-control permits: at
// most one message is delivered per permit granted via request.
//
// feed is called from the transport's reader goroutine; request from
// application goroutines. Delivery callbacks run on whichever of the two
// unblocks the next message, always with the lock released.
type deframer struct {
	// deliver receives each complete message payload.
	deliver func(msg []byte)
	// onDrained fires once, when end-of-stream has been seen and every
	// received message has been delivered.
	onDrained func()
	// onError reports a malformed byte stream; the deframer stops.
	onError func(st *status.Status)

	mu      chan struct{} // 1-buffered semaphore; callbacks fire outside it
	buf     []byte
	permits int
	ended   bool
	drained bool
	failed  bool
}

func newDeframer(deliver func([]byte), onDrained func(), onError func(*status.Status)) *deframer {
	d := &deframer{
		deliver:   deliver,
		onDrained: onDrained,
		onError:   onError,
		mu:        make(chan struct{}, 1),
	}
	d.mu <- struct{}{}
	return d
}

// request grants n more message deliveries.
func (d *deframer) request(n int) {
	<-d.mu
	d.permits += n
	d.pump()
}

// feed appends inbound data. endOfStream marks the final byte.
func (d *deframer) feed(data []byte, endOfStream bool) {
	<-d.mu
	if d.failed || d.drained {
		d.mu <- struct{}{}
		return
	}
	if len(data) > 0 {
		d.buf = append(d.buf, data...)
	}
	if endOfStream {
		d.ended = true
	}
	d.pump()
}

// pump delivers as many complete messages as permits allow. Called with the
// semaphore held; releases it before returning.
func (d *deframer) pump() {
	for {
		if d.failed || d.drained {
			d.mu <- struct{}{}
			return
		}
		if len(d.buf) == 0 {
			if d.ended {
				d.drained = true
				cb := d.onDrained
				d.mu <- struct{}{}
				if cb != nil {
					cb()
				}
				return
			}
			d.mu <- struct{}{}
			return
		}
		if len(d.buf) < frameHeaderLen {
			if d.ended {
				d.fail("premature end of stream inside a message frame")
				return
			}
			d.mu <- struct{}{}
			return
		}
		if d.buf[0] != 0 {
			d.fail("compressed message received but no decompressor is configured")
			return
		}
		msgLen := int(binary.BigEndian.Uint32(d.buf[1:frameHeaderLen]))
		if len(d.buf) < frameHeaderLen+msgLen {
			if d.ended {
				d.fail("premature end of stream inside a message frame")
				return
			}
			d.mu <- struct{}{}
			return
		}
		if d.permits <= 0 {
			d.mu <- struct{}{}
			return
		}
		msg := make([]byte, msgLen)
		copy(msg, d.buf[frameHeaderLen:frameHeaderLen+msgLen])
		d.buf = d.buf[frameHeaderLen+msgLen:]
		d.permits--

		deliver := d.deliver
		d.mu <- struct{}{}
		deliver(msg)
		<-d.mu
	}
}

// fail marks the deframer broken and reports st. Called with the semaphore
// held; releases it.
func (d *deframer) fail(desc string) {
	d.failed = true
	cb := d.onError
	d.mu <- struct{}{}
	cb(status.Internal.WithDescription(desc))
}

// empty reports whether every received byte has been delivered as messages.
func (d *deframer) empty() bool {
	<-d.mu
	e := len(d.buf) == 0
	d.mu <- struct{}{}
	return e
}
