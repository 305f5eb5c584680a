// Package blockcache serves arbitrary byte ranges from large, slow-to-access
// sources while minimizing redundant fetches.
//
// The source's address space is partitioned into fixed-size blocks. Blocks are
// fetched through an [Adapter], persisted to local disk, and tracked by a
// shared, capacity-bounded [Cache] with least-recently-used eviction. A
// [Reader] assembles range requests from cached and freshly fetched blocks,
// fetching several blocks concurrently when a range spans more than one.
//
// The cache is constructed once and injected into every Reader; backing files
// are owned by the cache and removed when their entries are evicted, when the
// populating Reader is closed, or when the entry is explicitly deleted.
//
// # Quick Start
//
// Read a range from a remote file over HTTP:
//
//	cache, err := blockcache.NewCache()
//	if err != nil {
//	    return err
//	}
//	src, err := blockhttp.NewSource(ctx, "https://example.com/archive.bin")
//	if err != nil {
//	    return err
//	}
//	r, err := blockcache.NewReader(src, cache)
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//
//	rc, err := r.OpenRange(ctx, 5, 15)
//	if err != nil {
//	    return err
//	}
//	defer rc.Close()
//	data, err := io.ReadAll(rc)
package blockcache

import "context"

// DefaultBlockSize is the nominal size in bytes of one cached block.
const DefaultBlockSize int64 = 1_000_000

// DefaultMaxBytes is the default cache capacity in bytes, measured as the sum
// of all entries' recorded lengths.
const DefaultMaxBytes int64 = 500_000_000

// DefaultFetchConcurrency caps in-flight block resolutions per range request.
const DefaultFetchConcurrency = 8

// Adapter supplies per-block cache keys and the byte-fetch operation for a
// single logical source. Concrete adapters own any retry or timeout policy;
// the caching layer never retries a failed fetch.
//
// Adapters that also implement io.Closer are closed by [Reader.Close].
type Adapter interface {
	// CacheKey returns a stable key for the given block, unique across all
	// sources sharing one Cache.
	CacheKey(blockNumber int64) string

	// FetchBlock returns the bytes for the inclusive extent
	// [blockStart, blockEnd]. It may return fewer bytes when the source ends
	// inside the extent. FetchBlock must tolerate concurrent invocations for
	// different blocks.
	FetchBlock(ctx context.Context, blockStart, blockEnd int64) ([]byte, error)
}
