package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBucket_Validation(t *testing.T) {
	_, err := NewBucket(0, 1, nil)
	assert.Error(t, err)

	_, err = NewBucket(-1, 1, nil)
	assert.Error(t, err)

	_, err = NewBucket(1, 0, nil)
	assert.Error(t, err)

	_, err = NewBucket(1, -2.5, nil)
	assert.Error(t, err)

	bucket, err := NewBucket(5, 1, nil)
	require.NoError(t, err)
	assert.NotNil(t, bucket)
}

func TestTryAcquire_DrainsThenRefills(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	bucket, err := NewBucket(2, 1, clock)
	require.NoError(t, err)

	// The bucket starts full.
	assert.True(t, bucket.TryAcquire())
	assert.True(t, bucket.TryAcquire())
	assert.False(t, bucket.TryAcquire())

	// One token per second accrues.
	clock.Advance(time.Second)
	assert.True(t, bucket.TryAcquire())
	assert.False(t, bucket.TryAcquire())
}

func TestTryAcquire_RefillCapsAtCapacity(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	bucket, err := NewBucket(2, 1, clock)
	require.NoError(t, err)

	// A long idle period must not bank more than capacity.
	clock.Advance(time.Hour)
	assert.True(t, bucket.TryAcquire())
	assert.True(t, bucket.TryAcquire())
	assert.False(t, bucket.TryAcquire())
}

func TestAcquire_ImmediateWhenTokensAvailable(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	bucket, err := NewBucket(1, 1, clock)
	require.NoError(t, err)

	require.NoError(t, bucket.Acquire(context.Background()))
}

func TestAcquire_WaitsForRefill(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	bucket, err := NewBucket(1, 2, clock)
	require.NoError(t, err)

	require.NoError(t, bucket.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- bucket.Acquire(context.Background())
	}()

	// At two tokens per second the next token is half a second away.
	clock.BlockUntil(1)
	clock.Advance(500 * time.Millisecond)

	require.NoError(t, <-done)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	bucket, err := NewBucket(1, 1, clock)
	require.NoError(t, err)

	require.NoError(t, bucket.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- bucket.Acquire(ctx)
	}()

	clock.BlockUntil(1)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}
