package transfer

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanbeam/models"
)

func fixtureBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestChunkRoundTrip(t *testing.T) {
	const cs = 8192
	sizes := []int{0, 1, cs - 1, cs, cs + 1, 3*cs + 17}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			data := fixtureBytes(size)
			set, err := SplitBytes("file-1", data, cs)
			require.NoError(t, err)
			assert.Equal(t, ChunkCount(int64(size), cs), set.TotalChunks)

			got, err := Reassemble(set)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "round trip mismatch")

			store := NewStore()
			require.NoError(t, store.BeginReceive(models.FileDescriptor{
				ID: "file-1", Name: "f.bin", Size: int64(size), TotalChunks: set.TotalChunks,
			}))
			for i := set.TotalChunks - 1; i >= 0; i-- {
				chunk, err := set.Chunk(i)
				require.NoError(t, err)
				_, err = store.StoreChunk(i, chunk)
				require.NoError(t, err)
			}
			require.True(t, store.IsComplete())
			assembled, err := store.Assemble()
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, assembled), "reassembly mismatch")
		})
	}
}

func TestChunkSplitLastChunkTruncated(t *testing.T) {
	set, err := SplitBytes("file-1", fixtureBytes(20000), 8192)
	require.NoError(t, err)
	require.Equal(t, 3, set.TotalChunks)

	var lengths []int
	for i := 0; i < set.TotalChunks; i++ {
		chunk, err := set.Chunk(i)
		require.NoError(t, err)
		lengths = append(lengths, len(chunk))
	}
	assert.Equal(t, []int{8192, 8192, 3616}, lengths)

	_, err = set.Chunk(3)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
	_, err = set.Chunk(-1)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 0, ChunkCount(0, 8192))
	assert.Equal(t, 1, ChunkCount(1, 8192))
	assert.Equal(t, 1, ChunkCount(8192, 8192))
	assert.Equal(t, 2, ChunkCount(8193, 8192))
	assert.Equal(t, 0, ChunkCount(10, 0))
}
