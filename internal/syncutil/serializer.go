// Package syncutil provides small concurrency helpers shared by the call
// and server dispatch paths.
package syncutil

import "sync"

// Serializer runs scheduled functions one at a time, in the order they were
// scheduled. Functions submitted from a single goroutine are therefore
// observed in submission order, and no two functions ever run concurrently.
// The drain goroutine is started lazily and exits when the queue empties.
type Serializer struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Schedule enqueues f and starts a drain if none is active.
func (s *Serializer) Schedule(f func()) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	start := !s.running
	if start {
		s.running = true
	}
	s.mu.Unlock()
	if start {
		go s.drain()
	}
}

func (s *Serializer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		f()
	}
}
