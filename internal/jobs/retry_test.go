package jobs

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	// BaseDelay=30s, MaxDelay=30m
	p := DefaultRetryPolicy()
	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{5, 16 * time.Minute},
		{6, 30 * time.Minute}, // 32m capped
		{20, 30 * time.Minute},
		{-1, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, p.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestRetryPolicy_BackoffUncappedSaturates(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second}
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, time.Duration(math.MaxInt64), p.Backoff(100))
	assert.Positive(t, p.Backoff(1000))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2, 0))
	assert.True(t, p.Exhausted(3, 0))
	assert.False(t, p.Exhausted(3, 4), "job-level max wins")
	assert.True(t, p.Exhausted(4, 4))
}
