package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiterIsolatesKeys(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewKeyedLimiter(1, 2)
	l.now = func() time.Time { return clock }

	assert.True(t, l.Allow("orders"))
	assert.True(t, l.Allow("orders"))
	assert.False(t, l.Allow("orders"), "burst exhausted")
	assert.True(t, l.Allow("billing"), "other keys keep their own bucket")

	ok, delay := l.Reserve("orders")
	assert.False(t, ok)
	assert.InDelta(t, time.Second, delay, float64(10*time.Millisecond))

	clock = clock.Add(time.Second)
	ok, _ = l.Reserve("orders")
	assert.True(t, ok)
}

func TestKeyedLimiterUnlimited(t *testing.T) {
	l := NewKeyedLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("orders"))
	}
}

func TestKeyedLimiterPrune(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewKeyedLimiter(10, 10)
	l.now = func() time.Time { return clock }

	l.Allow("orders")
	clock = clock.Add(10 * time.Minute)
	l.Allow("billing")

	assert.Equal(t, 1, l.Prune(5*time.Minute))
	assert.Equal(t, 0, l.Prune(-time.Second))
}
