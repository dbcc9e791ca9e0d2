package syncutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrdering(t *testing.T) {
	var s Serializer
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	const n = 200
	for i := 0; i < n; i++ {
		i := i
		s.Schedule(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
		})
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestNoConcurrentExecution(t *testing.T) {
	var s Serializer
	var active, max int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		s.Schedule(func() {
			mu.Lock()
			active++
			if active > max {
				max = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, 1, max)
}
