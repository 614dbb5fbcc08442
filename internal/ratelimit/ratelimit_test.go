package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyed_BurstThenRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := NewKeyed(1, 2, time.Minute)
	k.now = func() time.Time { return now }

	assert.True(t, k.Allow("a"))
	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"), "burst exhausted")
	assert.True(t, k.Allow("b"), "keys are independent")

	now = now.Add(time.Second)
	assert.True(t, k.Allow("a"), "one token refilled")
}

func TestKeyed_Prune(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k := NewKeyed(1, 1, time.Minute)
	k.now = func() time.Time { return now }

	k.Allow("old")
	now = now.Add(2 * time.Minute)
	k.Allow("new")

	assert.Equal(t, 1, k.Prune())
}

func TestPerMinute(t *testing.T) {
	k := PerMinute(3)
	for i := 0; i < 3; i++ {
		assert.True(t, k.Allow("s"))
	}
	assert.False(t, k.Allow("s"))
}
