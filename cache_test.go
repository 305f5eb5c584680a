package blockcache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...CacheOption) *Cache {
	t.Helper()
	opts = append([]CacheOption{WithCacheDir(t.TempDir())}, opts...)
	c, err := NewCache(opts...)
	require.NoError(t, err)
	return c
}

// writeBackingFile creates a real file for an entry so disposal has
// something to delete.
func writeBackingFile(t *testing.T, c *Cache, key string, length int64) Entry {
	t.Helper()
	path := c.blockPath(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, make([]byte, length), 0o600))
	return Entry{Path: path, Length: length}
}

func TestCacheSetGet(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ent := Entry{Path: "/tmp/none", Length: 42}
	c.Set("a", ent)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, ent, got)
	assert.Equal(t, int64(42), c.SizeBytes())
	assert.Equal(t, 1, c.Len())

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithCacheMaxBytes(25))
	entA := writeBackingFile(t, c, "a", 10)
	entB := writeBackingFile(t, c, "b", 10)
	c.Set("a", entA)
	c.Set("b", entB)

	// Touch "a" so "b" is the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	entC := writeBackingFile(t, c, "c", 10)
	c.Set("c", entC)
	require.NoError(t, c.Close())

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)

	assert.NoFileExists(t, entB.Path)
	assert.FileExists(t, entA.Path)
	assert.FileExists(t, entC.Path)
	assert.LessOrEqual(t, c.SizeBytes(), c.MaxBytes())
}

func TestCacheEvictsUntilUnderBudget(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, WithCacheMaxBytes(100))
	for _, key := range []string{"a", "b", "c"} {
		c.Set(key, writeBackingFile(t, c, key, 30))
	}
	// 80 bytes displace everything older.
	c.Set("big", writeBackingFile(t, c, "big", 80))
	require.NoError(t, c.Close())

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(80), c.SizeBytes())
	_, ok := c.Get("big")
	assert.True(t, ok)
}

func TestCacheDeleteDisposesBackingFile(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ent := writeBackingFile(t, c, "a", 10)
	c.Set("a", ent)

	c.Delete("a")
	require.NoError(t, c.Close())

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.SizeBytes())
	assert.NoFileExists(t, ent.Path)

	// Deleting an absent key is a no-op.
	c.Delete("a")
}

func TestCacheReplaceDisposesOldFile(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	old := writeBackingFile(t, c, "old", 10)
	c.Set("a", old)

	repl := writeBackingFile(t, c, "replacement", 20)
	c.Set("a", repl)
	require.NoError(t, c.Close())

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, repl, got)
	assert.Equal(t, int64(20), c.SizeBytes())
	assert.NoFileExists(t, old.Path)
	assert.FileExists(t, repl.Path)
}

func TestCacheBlockPathSharding(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := NewCache(WithCacheDir(dir))
	require.NoError(t, err)

	path := c.blockPath("some-key")
	rel, err := filepath.Rel(dir, path)
	require.NoError(t, err)

	parts := strings.Split(rel, string(filepath.Separator))
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 2)
	assert.Len(t, parts[1], 64)
	assert.Equal(t, parts[1][:2], parts[0])

	flat, err := NewCache(WithCacheDir(t.TempDir()), WithCacheShardPrefixLen(0))
	require.NoError(t, err)
	rel, err = filepath.Rel(flat.dir, flat.blockPath("some-key"))
	require.NoError(t, err)
	assert.NotContains(t, rel, string(filepath.Separator))
}

func TestNewCacheValidation(t *testing.T) {
	t.Parallel()

	_, err := NewCache(WithCacheMaxBytes(-1))
	assert.Error(t, err)

	_, err = NewCache(WithCacheShardPrefixLen(-1))
	assert.Error(t, err)
}

func TestNewCacheDefaultDir(t *testing.T) {
	t.Parallel()

	c, err := NewCache()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(c.dir) })

	assert.DirExists(t, c.dir)
	assert.Equal(t, DefaultMaxBytes, c.MaxBytes())
}
