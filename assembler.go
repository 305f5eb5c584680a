package blockcache

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// resolveRange assembles the bytes for [start, end) from every block the
// range touches. Blocks resolve concurrently, bounded by fetchConcurrency,
// and each writes into its positional slot of the result buffer, so assembly
// is deterministic regardless of completion order. Any block failure aborts
// the whole request; no partial buffer escapes.
func (r *Reader) resolveRange(ctx context.Context, start, end int64) ([]byte, error) {
	firstBlock := start / r.blockSize
	lastBlock := (end - 1) / r.blockSize

	buf := make([]byte, end-start)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fetchConcurrency)

	for blockNumber := firstBlock; blockNumber <= lastBlock; blockNumber++ {
		blockNumber := blockNumber
		g.Go(func() error {
			data, err := r.resolveBlock(ctx, start, end, blockNumber)
			if err != nil {
				return err
			}
			var offset int64
			if blockStart := blockNumber * r.blockSize; blockStart > start {
				offset = blockStart - start
			}
			copy(buf[offset:], data)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.logger.Error("range request failed", "start", start, "end", end, "error", err)
		return nil, err
	}
	return buf, nil
}
