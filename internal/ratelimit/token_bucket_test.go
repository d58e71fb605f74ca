package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, 1, time.Minute)
}

func TestBucketExhaustsCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 2)

	allowed, remaining, err := bucket.Allow(ctx, "rl:qualia")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 1, remaining, 0.01)

	allowed, _, err = bucket.Allow(ctx, "rl:qualia")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "rl:qualia")
	require.NoError(t, err)
	assert.False(t, allowed, "bucket of 2 rejects the third request")
}

func TestBucketsAreIsolatedPerKey(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1)

	allowed, _, err := bucket.Allow(ctx, "rl:sender-a")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "rl:sender-a")
	require.NoError(t, err)
	assert.False(t, allowed)

	// A different sender still has its full budget.
	allowed, _, err = bucket.Allow(ctx, "rl:sender-b")
	require.NoError(t, err)
	assert.True(t, allowed)
}

// Refill cannot be exercised against miniredis.FastForward: the script takes
// its clock from the caller, not from Redis.
