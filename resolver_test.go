package blockcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBlockExtents(t *testing.T) {
	t.Parallel()

	data := sourceBytes(100)
	tests := []struct {
		name        string
		start, end  int64
		blockNumber int64
		want        []byte
	}{
		{name: "interior of first block", start: 2, end: 7, blockNumber: 0, want: data[2:7]},
		{name: "full block", start: 0, end: 10, blockNumber: 0, want: data[0:10]},
		{name: "range starts mid-block", start: 5, end: 15, blockNumber: 0, want: data[5:10]},
		{name: "range ends mid-block", start: 5, end: 15, blockNumber: 1, want: data[10:15]},
		{name: "middle block of long range", start: 5, end: 35, blockNumber: 2, want: data[20:30]},
		{name: "block fully interior", start: 0, end: 100, blockNumber: 4, want: data[40:50]},
		{name: "single byte", start: 37, end: 38, blockNumber: 3, want: data[37:38]},
		{name: "range ends on block boundary", start: 15, end: 20, blockNumber: 1, want: data[15:20]},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			adapter := &testAdapter{data: data, prefix: "extent-" + tt.name}
			r, _ := newTestReader(t, adapter)

			got, err := r.resolveBlock(context.Background(), tt.start, tt.end, tt.blockNumber)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveBlockMissReturnsMemorySlice(t *testing.T) {
	t.Parallel()

	adapter := &testAdapter{data: sourceBytes(30), prefix: "memslice"}
	r, cache := newTestReader(t, adapter)

	got, err := r.resolveBlock(context.Background(), 12, 18, 1)
	require.NoError(t, err)
	assert.Equal(t, sourceBytes(30)[12:18], got)

	// The miss populated the cache with the whole block.
	ent, ok := cache.Get(adapter.CacheKey(1))
	require.True(t, ok)
	assert.Equal(t, int64(10), ent.Length)
	assert.FileExists(t, ent.Path)
}

func TestResolveBlockHitReadsFromDisk(t *testing.T) {
	t.Parallel()

	adapter := &testAdapter{data: sourceBytes(30), prefix: "diskhit"}
	r, _ := newTestReader(t, adapter)

	_, err := r.resolveBlock(context.Background(), 10, 20, 1)
	require.NoError(t, err)
	require.Equal(t, 1, adapter.fetchCount())

	got, err := r.resolveBlock(context.Background(), 13, 16, 1)
	require.NoError(t, err)
	assert.Equal(t, sourceBytes(30)[13:16], got)
	assert.Equal(t, 1, adapter.fetchCount(), "hit must not touch the adapter")
}
