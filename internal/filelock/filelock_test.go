//go:build unix

package filelock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	ctx := context.Background()

	first := New(path)
	second := New(path)

	require.NoError(t, first.Acquire(ctx, time.Second))
	assert.True(t, first.Held())

	start := time.Now()
	err := second.Acquire(ctx, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, second.Held())

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire(ctx, time.Second))
	require.NoError(t, second.Release())
}

func TestLockIsReentrantAndReleaseIdempotent(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "store.lock"))
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, time.Second))
	require.NoError(t, l.Acquire(ctx, time.Second))
	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
	assert.False(t, l.Held())
}

func TestLockHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lock")
	holder := New(path)
	require.NoError(t, holder.Acquire(context.Background(), time.Second))
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(path).Acquire(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
