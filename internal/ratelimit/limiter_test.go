package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledAlwaysAdmits(t *testing.T) {
	l := New(Config{RequestsPerMinute: 0, Burst: 1})
	for i := 0; i < 100; i++ {
		require.True(t, l.TryAcquire())
	}
	assert.False(t, l.Stats().Enabled)
}

func TestBurstThenThrottle(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, Burst: 2})
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire(), "burst exhausted, should throttle")
	assert.Equal(t, int64(1), l.Stats().ThrottledCount)
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	l := New(Config{RequestsPerMinute: 600, Burst: 1}) // 10 tokens/sec
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 50*time.Millisecond)
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, Burst: 1}) // very slow refill
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
