package blockcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Entry describes one cached block: the file backing it and the byte length
// reported by its producer. The length drives capacity accounting and read
// bounds; the cache never stats the file to re-derive it.
type Entry struct {
	Path   string
	Length int64
}

// Cache is a capacity-bounded, recency-ordered map from block keys to disk
// backing files. It is shared across all readers of a process and safe for
// concurrent use.
//
// Removing an entry, whether by eviction, replacement, or Delete, schedules
// an asynchronous best-effort removal of its backing file. Disposal failures
// are logged and never surface to callers.
type Cache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	logger         *slog.Logger

	mu        sync.Mutex
	size      int64
	items     map[string]*list.Element
	evictList *list.List

	disposals sync.WaitGroup
}

type cacheItem struct {
	key   string
	entry Entry
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheDir sets the directory holding backing files. If unset, a fresh
// directory is created under the system temp area.
func WithCacheDir(dir string) CacheOption {
	return func(c *Cache) {
		c.dir = dir
	}
}

// WithCacheMaxBytes sets the cache capacity in bytes. Defaults to
// DefaultMaxBytes.
func WithCacheMaxBytes(n int64) CacheOption {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithCacheShardPrefixLen sets the number of hex characters used for sharding
// backing files into subdirectories. Use 0 to disable sharding. Defaults to 2.
func WithCacheShardPrefixLen(n int) CacheOption {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithCacheLogger sets the logger used for disposal failures.
// If nil, log output is discarded.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache creates a block cache.
func NewCache(opts ...CacheOption) (*Cache, error) {
	c := &Cache{
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		maxBytes:       DefaultMaxBytes,
		items:          make(map[string]*list.Element),
		evictList:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBytes <= 0 {
		return nil, errors.New("blockcache: cache max bytes must be > 0")
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("blockcache: shard prefix length must be >= 0")
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.dir == "" {
		dir, err := os.MkdirTemp("", "blockcache-")
		if err != nil {
			return nil, err
		}
		c.dir = dir
	} else if err := os.MkdirAll(c.dir, c.dirPerm); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the entry for key and marks it most recently used.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.evictList.MoveToFront(el)
	return el.Value.(*cacheItem).entry, true
}

// Set inserts or replaces the entry for key, then evicts least-recently-used
// entries until the cumulative length is within capacity.
func (c *Cache) Set(key string, ent Entry) {
	c.mu.Lock()
	var removed []Entry

	if el, ok := c.items[key]; ok {
		item := el.Value.(*cacheItem)
		c.size += ent.Length - item.entry.Length
		if item.entry.Path != ent.Path {
			removed = append(removed, item.entry)
		}
		item.entry = ent
		c.evictList.MoveToFront(el)
	} else {
		c.items[key] = c.evictList.PushFront(&cacheItem{key: key, entry: ent})
		c.size += ent.Length
	}

	for c.size > c.maxBytes {
		el := c.evictList.Back()
		if el == nil {
			break
		}
		removed = append(removed, c.removeElement(el))
	}
	c.mu.Unlock()

	for _, e := range removed {
		c.dispose(e)
	}
}

// Delete removes the entry for key, if present, and disposes of its backing
// file. Deleting an absent key is a no-op.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	el, ok := c.items[key]
	var ent Entry
	if ok {
		ent = c.removeElement(el)
	}
	c.mu.Unlock()

	if ok {
		c.dispose(ent)
	}
}

// MaxBytes returns the configured capacity.
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the cumulative length of all entries.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close waits for outstanding disposals to finish. The cache remains usable;
// Close exists so shutdown paths and tests can observe file cleanup.
func (c *Cache) Close() error {
	c.disposals.Wait()
	return nil
}

// blockPath returns the backing file path for a cache key: a SHA-256 hash of
// the key, hex encoded, under an optional shard subdirectory.
func (c *Cache) blockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexKey := hex.EncodeToString(sum[:])
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, hexKey)
	}
	prefixLen := c.shardPrefixLen
	if prefixLen > len(hexKey) {
		prefixLen = len(hexKey)
	}
	return filepath.Join(c.dir, hexKey[:prefixLen], hexKey)
}

// removeElement unlinks an element from the index and recency list.
// Callers must hold c.mu and dispose of the returned entry after unlocking.
func (c *Cache) removeElement(el *list.Element) Entry {
	item := el.Value.(*cacheItem)
	c.evictList.Remove(el)
	delete(c.items, item.key)
	c.size -= item.entry.Length
	return item.entry
}

// dispose removes an entry's backing file in the background. A file that is
// already gone is not an error; anything else is logged and suppressed.
func (c *Cache) dispose(ent Entry) {
	c.disposals.Add(1)
	go func() {
		defer c.disposals.Done()
		if _, err := os.Stat(ent.Path); err != nil {
			return
		}
		if err := os.Remove(ent.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("removing cached block file", "path", ent.Path, "error", err)
		}
	}()
}
