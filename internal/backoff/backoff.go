// Package backoff implements the reconnect backoff policy used by
// TransportSet: exponential growth from one second to a two minute ceiling,
// with proportional random jitter.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

const (
	initialDelay = 1 * time.Second
	maxDelay     = 120 * time.Second
	multiplier   = 1.6
	jitter       = 0.2
)

// Policy produces successive reconnect delays. It is safe for use from
// multiple goroutines.
type Policy struct {
	mu   sync.Mutex
	next float64 // nanoseconds
	rnd  *rand.Rand
}

// New returns a policy positioned at the initial delay.
func New() *Policy {
	return &Policy{
		next: float64(initialDelay),
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the delay to apply before the next connection attempt
// and advances the policy.
func (p *Policy) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.next
	p.next = cur * multiplier
	if p.next > float64(maxDelay) {
		p.next = float64(maxDelay)
	}
	// jitter is applied to the returned value only, not the accumulator
	cur += cur * jitter * (p.rnd.Float64()*2 - 1)
	return time.Duration(cur)
}

// Reset returns the policy to the initial delay. TransportSet calls this on
// the first successful connection since the last failure.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = float64(initialDelay)
}
