package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWaitsAfterBurst(t *testing.T) {
	r := NewRegistry(Budget{RequestsPerSecond: 1, Burst: 1})
	r.Configure("wallex-main", Budget{RequestsPerSecond: 10, Burst: 1})

	ctx := context.Background()
	require.NoError(t, r.Acquire(ctx, "wallex-main"))

	start := time.Now()
	require.NoError(t, r.Acquire(ctx, "wallex-main"))
	elapsed := time.Since(start)

	// 10 rps means the second token arrives ~100ms after the burst token.
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "second acquire should have waited for a token")
}

func TestBudgetsAreIndependentPerBroker(t *testing.T) {
	r := NewRegistry(Budget{RequestsPerSecond: 1, Burst: 1})
	r.Configure("slow", Budget{RequestsPerSecond: 0.1, Burst: 1})
	r.Configure("fast", Budget{RequestsPerSecond: 100, Burst: 10})

	// Drain slow's only token.
	require.True(t, r.TryAcquire("slow"))
	require.False(t, r.TryAcquire("slow"))

	// fast is unaffected.
	for i := 0; i < 5; i++ {
		assert.True(t, r.TryAcquire("fast"), "fast broker token %d", i)
	}
}

func TestUnconfiguredBrokerGetsFallback(t *testing.T) {
	r := NewRegistry(Budget{RequestsPerSecond: 100, Burst: 2})

	require.True(t, r.TryAcquire("surprise"))
	require.True(t, r.TryAcquire("surprise"))
	assert.False(t, r.TryAcquire("surprise"), "fallback burst is 2")
}

func TestAcquireHonorsContext(t *testing.T) {
	r := NewRegistry(Budget{RequestsPerSecond: 1, Burst: 1})
	r.Configure("slow", Budget{RequestsPerSecond: 0.01, Burst: 1})
	require.True(t, r.TryAcquire("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Acquire(ctx, "slow")
	require.Error(t, err)
}
