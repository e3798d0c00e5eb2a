package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowBurst(t *testing.T) {
	l := NewLimiter(3600, 3)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("client-a"), "request %d", i)
	}
	assert.False(t, l.Allow("client-a"))

	// Buckets are per client.
	assert.True(t, l.Allow("client-b"))

	// 3600/hour refills one token per second.
	now = now.Add(time.Second)
	assert.True(t, l.Allow("client-a"))
	assert.False(t, l.Allow("client-a"))
}

func TestTokens(t *testing.T) {
	l := NewLimiter(100, 10)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.InDelta(t, 10, l.Tokens("c"), 0.001)
	l.Allow("c")
	assert.InDelta(t, 9, l.Tokens("c"), 0.001)
}

func TestPrune(t *testing.T) {
	l := NewLimiter(100, 10)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(2 * time.Hour)
	l.Allow("new")

	assert.Equal(t, 1, l.Prune(time.Hour))
	assert.Len(t, l.limiters, 1)
	assert.Contains(t, l.limiters, "new")
}
