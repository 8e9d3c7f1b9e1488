package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsBurstThenBlocks(t *testing.T) {
	l := New(Limit{Requests: 3, Window: time.Hour})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("ip:203.0.113.7"), "request %d should pass", i)
	}
	assert.False(t, l.Allow("ip:203.0.113.7"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(Limit{Requests: 1, Window: time.Hour})

	assert.True(t, l.Allow("ip:203.0.113.7"))
	assert.False(t, l.Allow("ip:203.0.113.7"))
	// A different caller is unaffected.
	assert.True(t, l.Allow("ip:198.51.100.9"))
}

func TestLimiter_Refills(t *testing.T) {
	// 100 requests per second refills one token every 10ms.
	l := New(Limit{Requests: 100, Window: time.Second})

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("k"))
	}
	assert.False(t, l.Allow("k"))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Allow("k"))
}

func TestLimiter_Prune(t *testing.T) {
	l := New(Limit{Requests: 1, Window: time.Hour})

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("key-%d", i))
	}

	// Nothing is idle yet.
	assert.Equal(t, 0, l.Prune(time.Minute))

	// Everything is older than a zero idle allowance.
	removed := l.Prune(-time.Second)
	assert.Equal(t, 10, removed)

	// Pruned keys start over with a fresh bucket.
	assert.True(t, l.Allow("key-0"))
}
