package blockcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned when a range is requested from a closed Reader.
var ErrClosed = errors.New("blockcache: reader is closed")

// Reader serves byte ranges from one logical source through a shared Cache.
//
// Every block a Reader populates is recorded; Close purges those entries from
// the cache regardless of whether other readers still find them hot. Storage
// is shared, ownership is not.
type Reader struct {
	adapter          Adapter
	cache            *Cache
	blockSize        int64
	fetchConcurrency int
	logger           *slog.Logger
	flight           singleflight.Group

	mu     sync.Mutex
	owned  map[int64]struct{}
	closed bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithBlockSize sets the block size in bytes. Defaults to DefaultBlockSize.
func WithBlockSize(n int64) ReaderOption {
	return func(r *Reader) {
		r.blockSize = n
	}
}

// WithFetchConcurrency caps concurrent block resolutions per range request.
// Defaults to DefaultFetchConcurrency.
func WithFetchConcurrency(n int) ReaderOption {
	return func(r *Reader) {
		r.fetchConcurrency = n
	}
}

// WithLogger sets a logger for the reader. If nil, log output is discarded.
func WithLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader creates a Reader over the given source adapter and shared cache.
func NewReader(adapter Adapter, cache *Cache, opts ...ReaderOption) (*Reader, error) {
	if adapter == nil {
		return nil, errors.New("blockcache: adapter is nil")
	}
	if cache == nil {
		return nil, errors.New("blockcache: cache is nil")
	}
	r := &Reader{
		adapter:          adapter,
		cache:            cache,
		blockSize:        DefaultBlockSize,
		fetchConcurrency: DefaultFetchConcurrency,
		owned:            make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.blockSize <= 0 {
		return nil, errors.New("blockcache: block size must be > 0")
	}
	if r.fetchConcurrency <= 0 {
		return nil, errors.New("blockcache: fetch concurrency must be > 0")
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r, nil
}

// OpenRange returns a stream for the bytes in [start, end). The stream handle
// is returned immediately; assembly runs in the background and the stream
// carries either the complete range or an error, never a partial prefix.
//
// Discarding the stream does not cancel in-flight fetches; use ctx for that.
func (r *Reader) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	if err := r.checkRange(start, end); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		buf, err := r.resolveRange(ctx, start, end)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := pw.Write(buf); err != nil {
			// Consumer closed its end; nothing left to deliver.
			return
		}
		_ = pw.Close()
	}()
	return pr, nil
}

// ReadRange reads the bytes in [start, end) into memory.
func (r *Reader) ReadRange(ctx context.Context, start, end int64) ([]byte, error) {
	if err := r.checkRange(start, end); err != nil {
		return nil, err
	}
	return r.resolveRange(ctx, start, end)
}

// Close closes the underlying source adapter, if it is an io.Closer, and
// purges every block this reader populated from the shared cache. Cleanup
// failures are logged, never returned; Close is idempotent and always nil.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	owned := make([]int64, 0, len(r.owned))
	for blockNumber := range r.owned {
		owned = append(owned, blockNumber)
	}
	r.owned = nil
	r.mu.Unlock()

	if closer, ok := r.adapter.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("closing source adapter", "error", err)
		}
	}
	for _, blockNumber := range owned {
		r.cache.Delete(r.adapter.CacheKey(blockNumber))
	}
	return nil
}

func (r *Reader) checkRange(start, end int64) error {
	if start < 0 {
		return fmt.Errorf("blockcache: range start %d: negative offset", start)
	}
	if end <= start {
		return fmt.Errorf("blockcache: range [%d,%d): empty or inverted", start, end)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// recordOwned marks a block as populated by this reader so Close can purge it.
func (r *Reader) recordOwned(blockNumber int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.owned[blockNumber] = struct{}{}
}
