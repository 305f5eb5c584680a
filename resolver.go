package blockcache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// resolveBlock returns the portion of blockNumber's bytes that falls inside
// the requested range [start, end). The block is read from its backing file
// on a cache hit; on a miss (no entry, or metadata whose file has gone stale)
// the full block is fetched, persisted, and sliced in memory.
func (r *Reader) resolveBlock(ctx context.Context, start, end, blockNumber int64) ([]byte, error) {
	blockStart := blockNumber * r.blockSize
	blockEnd := blockStart + r.blockSize - 1

	var position int64
	if start > blockStart {
		position = start % r.blockSize
	}
	var length int64
	if end > blockEnd {
		length = r.blockSize - position
	} else {
		length = end%r.blockSize - position
	}

	key := r.adapter.CacheKey(blockNumber)
	if ent, ok := r.cache.Get(key); ok {
		data, err := readBlockSlice(ent.Path, position, length)
		if err == nil {
			return data, nil
		}
		// The backing file vanished or shrank behind the metadata. Not an
		// error: fall through and fetch the block again.
	}

	block, err := r.fetchBlock(ctx, key, blockNumber, blockStart, blockEnd)
	if err != nil {
		return nil, err
	}
	if position+length > int64(len(block)) {
		return nil, fmt.Errorf("blockcache: block %d: need bytes [%d,%d) of %d fetched: %w",
			blockNumber, position, position+length, len(block), io.ErrUnexpectedEOF)
	}
	return block[position : position+length : position+length], nil
}

// fetchBlock fetches a full block through the adapter, deduplicating
// concurrent misses on the same key so a miss storm issues one fetch.
func (r *Reader) fetchBlock(ctx context.Context, key string, blockNumber, blockStart, blockEnd int64) ([]byte, error) {
	result, err, _ := r.flight.Do(key, func() (any, error) {
		data, err := r.adapter.FetchBlock(ctx, blockStart, blockEnd)
		if err != nil {
			return nil, err
		}
		r.persistBlock(key, blockNumber, data)
		return data, nil
	})
	if err != nil {
		return nil, fmt.Errorf("blockcache: fetch block %d [%d,%d]: %w", blockNumber, blockStart, blockEnd, err)
	}
	return result.([]byte), nil
}

// persistBlock writes a fetched block to its backing file and registers it in
// the cache. Persisting is opportunistic: a write failure is logged and the
// in-memory bytes still serve the request, the block just stays uncached.
func (r *Reader) persistBlock(key string, blockNumber int64, data []byte) {
	path := r.cache.blockPath(key)
	if err := writeBlockFile(path, data, r.cache.dirPerm); err != nil {
		r.logger.Warn("persisting block", "block", blockNumber, "path", path, "error", err)
		return
	}
	r.cache.Set(key, Entry{Path: path, Length: int64(len(data))})
	r.recordOwned(blockNumber)
}

// readBlockSlice reads exactly length bytes at position from a backing file.
// Any failure, including a missing or truncated file, is stale metadata.
func readBlockSlice(path string, position, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(f, position, length), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeBlockFile persists a block via a temp file and rename so the backing
// file is either absent or complete. Losing the rename race to another writer
// is fine, the winner's file has identical content.
func writeBlockFile(path string, data []byte, dirPerm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "block-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(tmpPath)
			return nil
		}
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
