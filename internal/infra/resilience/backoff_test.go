package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay_Schedule(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 600 * time.Second},
		{6, 600 * time.Second},
		{10, 600 * time.Second},
		{11, 600 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestRetryDelay_NonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		d := RetryDelay(attempts)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
		prev = d
	}
}

func TestRetryDelay_DefensiveLowInput(t *testing.T) {
	assert.Equal(t, 30*time.Second, RetryDelay(0))
	assert.Equal(t, 30*time.Second, RetryDelay(-3))
}
