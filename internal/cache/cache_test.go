package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileCache[V any](t *testing.T) *Cache[V] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.json")
	c, err := NewFileCache[V](path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func newTestDirCache[V any](t *testing.T) *Cache[V] {
	t.Helper()
	c, err := NewDirCache[V](t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestFileCache_WriteReadRoundTrip(t *testing.T) {
	c := newTestFileCache[string](t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "a", "hello", OverwriteAllow, nil))
	entry, found, err := c.Read(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", entry.Value)
}

func TestFileCache_DenyOverwrite(t *testing.T) {
	c := newTestFileCache[int](t)
	ctx := context.Background()
	require.NoError(t, c.Write(ctx, "k", 1, OverwriteAllow, nil))
	err := c.Write(ctx, "k", 2, OverwriteDeny, nil)
	require.Error(t, err)
}

func TestFileCache_PolicyBlocksDowngrade(t *testing.T) {
	c := newTestFileCache[int](t)
	ctx := context.Background()
	newer := func(existing, candidate int) bool { return candidate > existing }

	require.NoError(t, c.Write(ctx, "k", 5, OverwriteAllow, newer))
	require.NoError(t, c.Write(ctx, "k", 3, OverwriteAllow, newer)) // no-op, not an error
	entry, _, err := c.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 5, entry.Value)
}

func TestCache_SingleAccessor_ConcurrentWrites(t *testing.T) {
	c := newTestDirCache[int](t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Write(ctx, "k", i, OverwriteAllow, nil)
			size, err := c.Size(ctx)
			assert.NoError(t, err)
			assert.LessOrEqual(t, size, 1)
		}(i)
	}
	wg.Wait()

	size, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestDirCache_DeleteThenMiss(t *testing.T) {
	c := newTestDirCache[string](t)
	ctx := context.Background()
	require.NoError(t, c.Write(ctx, "x", "v", OverwriteAllow, nil))
	require.NoError(t, c.Delete(ctx, "x"))
	_, found, err := c.Read(ctx, "x")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_Capacity(t *testing.T) {
	c := newTestFileCache[int](t)
	assert.Equal(t, DefaultQueueCapacity, c.Capacity())
}

func TestCache_ShutdownRejectsFurtherCommands(t *testing.T) {
	// Built directly rather than via newTestDirCache, whose cleanup would
	// call Shutdown a second time.
	c, err := NewDirCache[int](t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.Shutdown(ctx))
	err = c.Write(ctx, "k", 1, OverwriteAllow, nil)
	assert.Error(t, err)
}
