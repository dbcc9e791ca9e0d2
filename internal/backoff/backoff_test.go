package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGrowthAndCap(t *testing.T) {
	p := New()
	expected := 1.0
	for i := 0; i < 20; i++ {
		d := p.NextDelay()
		lo := time.Duration(expected * (1 - jitter) * float64(time.Second))
		hi := time.Duration(expected * (1 + jitter) * float64(time.Second))
		assert.GreaterOrEqual(t, d, lo, "attempt %d", i)
		assert.LessOrEqual(t, d, hi, "attempt %d", i)
		expected *= multiplier
		if expected > 120 {
			expected = 120
		}
	}
}

func TestReset(t *testing.T) {
	p := New()
	for i := 0; i < 5; i++ {
		p.NextDelay()
	}
	p.Reset()
	d := p.NextDelay()
	assert.GreaterOrEqual(t, d, time.Duration(float64(time.Second)*(1-jitter)))
	assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*(1+jitter)))
}
