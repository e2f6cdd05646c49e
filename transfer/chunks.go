package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"lanbeam/models"
)

const (
	// DefaultChunkSize is the fixed chunk size used when none is configured.
	DefaultChunkSize = 8192
	// MinChunkSize and MaxChunkSize bound the chunk size a descriptor may imply.
	MinChunkSize = 1024
	MaxChunkSize = 4 * 1024 * 1024
)

// ChunkCount returns how many chunks a payload of size bytes splits into.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// ChunkSet is the sender side view of a file: fixed-size byte ranges read on
// demand from the source. Only the requested chunk is held in memory.
type ChunkSet struct {
	FileID      string
	Size        int64
	ChunkSize   int
	TotalChunks int

	source io.ReaderAt
}

// NewChunkSet splits size bytes of source into chunkSize ranges.
func NewChunkSet(fileID string, source io.ReaderAt, size int64, chunkSize int) (*ChunkSet, error) {
	if fileID == "" {
		return nil, errors.New("file id is required")
	}
	if source == nil {
		return nil, errors.New("chunk source is required")
	}
	if size < 0 {
		return nil, fmt.Errorf("invalid size %d", size)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	return &ChunkSet{
		FileID:      fileID,
		Size:        size,
		ChunkSize:   chunkSize,
		TotalChunks: ChunkCount(size, chunkSize),
		source:      source,
	}, nil
}

// SplitBytes builds a ChunkSet over an in-memory payload.
func SplitBytes(fileID string, data []byte, chunkSize int) (*ChunkSet, error) {
	return NewChunkSet(fileID, bytes.NewReader(data), int64(len(data)), chunkSize)
}

// Chunk reads chunk index. The last chunk is truncated to the remaining bytes.
func (c *ChunkSet) Chunk(index int) ([]byte, error) {
	if index < 0 || index >= c.TotalChunks {
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, c.TotalChunks)
	}

	offset := int64(index) * int64(c.ChunkSize)
	length := min(int64(c.ChunkSize), c.Size-offset)
	buf := make([]byte, length)
	n, err := c.source.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return buf[:n], nil
}

// ReassemblyBuffer accumulates received chunks by index.
type ReassemblyBuffer struct {
	File   models.FileDescriptor
	chunks map[int][]byte
	bytes  int64
}

func newReassemblyBuffer(desc models.FileDescriptor) *ReassemblyBuffer {
	return &ReassemblyBuffer{
		File:   desc,
		chunks: make(map[int][]byte),
	}
}

// put stores data at index, replacing any previous chunk. It reports whether
// the index was already filled.
func (b *ReassemblyBuffer) put(index int, data []byte) (bool, error) {
	if index < 0 || index >= b.File.TotalChunks {
		return false, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, b.File.TotalChunks)
	}
	previous, replaced := b.chunks[index]
	if replaced {
		b.bytes -= int64(len(previous))
	}
	b.chunks[index] = append([]byte(nil), data...)
	b.bytes += int64(len(data))
	return replaced, nil
}

func (b *ReassemblyBuffer) complete() bool {
	if len(b.chunks) != b.File.TotalChunks {
		return false
	}
	for i := 0; i < b.File.TotalChunks; i++ {
		if _, ok := b.chunks[i]; !ok {
			return false
		}
	}
	return true
}

func (b *ReassemblyBuffer) assemble() ([]byte, error) {
	if !b.complete() {
		return nil, fmt.Errorf("%w: have %d of %d chunks", ErrChunkCountMismatch, len(b.chunks), b.File.TotalChunks)
	}
	out := make([]byte, 0, b.bytes)
	for i := 0; i < b.File.TotalChunks; i++ {
		out = append(out, b.chunks[i]...)
	}
	if int64(len(out)) != b.File.Size {
		return nil, fmt.Errorf("%w: assembled %d bytes, declared %d", ErrChunkCountMismatch, len(out), b.File.Size)
	}
	return out, nil
}

// Reassemble concatenates chunks in index order. It is the inverse of
// SplitBytes.
func Reassemble(set *ChunkSet) ([]byte, error) {
	out := make([]byte, 0, set.Size)
	for i := 0; i < set.TotalChunks; i++ {
		chunk, err := set.Chunk(i)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}
