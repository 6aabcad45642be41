package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTryLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }

	release, err := l.TryLock(ctx, "transition", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "transition", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := l.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err, "keys are independent")
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	again, err := l.TryLock(ctx, "transition", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocalExpiredHolderCannotRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return now }

	stale, err := l.TryLock(ctx, "transition", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.TryLock(ctx, "transition", time.Minute)
	require.NoError(t, err, "expired lock can be taken over")

	require.NoError(t, stale(ctx))
	_, err = l.TryLock(ctx, "transition", time.Minute)
	assert.ErrorIs(t, err, ErrHeld, "stale release must not free the new holder")
	require.NoError(t, fresh(ctx))
}
