package transfer

import (
	"fmt"
	"sync"

	"lanbeam/models"
)

// Store holds the active outbound ChunkSet or inbound ReassemblyBuffer. At
// most one of them exists at a time, across both directions.
type Store struct {
	mu   sync.Mutex
	send *ChunkSet
	recv *ReassemblyBuffer

	minChunkSize int
	maxChunkSize int
}

// NewStore returns an empty store accepting chunk sizes in
// [MinChunkSize, MaxChunkSize].
func NewStore() *Store {
	return NewStoreWithChunkLimits(MinChunkSize, MaxChunkSize)
}

// NewStoreWithChunkLimits returns an empty store whose inbound descriptors
// must imply a chunk size in [minChunkSize, maxChunkSize].
func NewStoreWithChunkLimits(minChunkSize, maxChunkSize int) *Store {
	minChunkSize = max(minChunkSize, 1)
	return &Store{
		minChunkSize: minChunkSize,
		maxChunkSize: max(maxChunkSize, minChunkSize),
	}
}

// BeginSend installs set as the active outbound transfer.
func (s *Store) BeginSend(set *ChunkSet) error {
	if set == nil {
		return fmt.Errorf("begin send: nil chunk set")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.send != nil || s.recv != nil {
		return ErrTransferActive
	}
	s.send = set
	return nil
}

// BeginReceive installs a reassembly buffer for desc.
func (s *Store) BeginReceive(desc models.FileDescriptor) error {
	if err := validateDescriptor(desc, s.minChunkSize, s.maxChunkSize); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.send != nil || s.recv != nil {
		return ErrTransferActive
	}
	s.recv = newReassemblyBuffer(desc)
	return nil
}

// Chunk reads chunk index of the active outbound transfer.
func (s *Store) Chunk(index int) ([]byte, error) {
	s.mu.Lock()
	set := s.send
	s.mu.Unlock()
	if set == nil {
		return nil, ErrNoActiveTransfer
	}
	return set.Chunk(index)
}

// StoreChunk writes data at index of the active inbound transfer. It reports
// whether the index had already been filled.
func (s *Store) StoreChunk(index int, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recv == nil {
		return false, ErrNoActiveTransfer
	}
	return s.recv.put(index, data)
}

// IsComplete reports whether every index of the inbound transfer is filled.
func (s *Store) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv != nil && s.recv.complete()
}

// Assemble concatenates the inbound chunks in index order.
func (s *Store) Assemble() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recv == nil {
		return nil, ErrNoActiveTransfer
	}
	return s.recv.assemble()
}

// ReceivedBytes returns the byte count currently buffered for the inbound transfer.
func (s *Store) ReceivedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recv == nil {
		return 0
	}
	return s.recv.bytes
}

// Sending returns the active outbound set, if any.
func (s *Store) Sending() *ChunkSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send
}

// Receiving returns the descriptor of the active inbound transfer, if any.
func (s *Store) Receiving() (models.FileDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recv == nil {
		return models.FileDescriptor{}, false
	}
	return s.recv.File, true
}

// Active reports whether any transfer is held.
func (s *Store) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send != nil || s.recv != nil
}

// Reset clears both send and receive state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = nil
	s.recv = nil
}

// validateDescriptor checks desc is self-consistent: TotalChunks must be the
// chunk count of Size for some chunk size in [minChunkSize, maxChunkSize].
func validateDescriptor(desc models.FileDescriptor, minChunkSize, maxChunkSize int) error {
	switch {
	case desc.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidDescriptor)
	case desc.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidDescriptor)
	case desc.Size < 0:
		return fmt.Errorf("%w: negative size %d", ErrInvalidDescriptor, desc.Size)
	case desc.TotalChunks < 0:
		return fmt.Errorf("%w: negative chunk count %d", ErrInvalidDescriptor, desc.TotalChunks)
	case desc.Size > 0 && desc.TotalChunks == 0:
		return fmt.Errorf("%w: %d bytes in zero chunks", ErrInvalidDescriptor, desc.Size)
	case desc.Size == 0 && desc.TotalChunks != 0:
		return fmt.Errorf("%w: empty file with %d chunks", ErrInvalidDescriptor, desc.TotalChunks)
	case int64(desc.TotalChunks) > desc.Size && desc.Size > 0:
		return fmt.Errorf("%w: %d chunks for %d bytes", ErrInvalidDescriptor, desc.TotalChunks, desc.Size)
	case desc.TotalChunks > ChunkCount(desc.Size, minChunkSize):
		return fmt.Errorf("%w: %d chunks for %d bytes implies chunks under %d bytes",
			ErrInvalidDescriptor, desc.TotalChunks, desc.Size, minChunkSize)
	case desc.TotalChunks < ChunkCount(desc.Size, maxChunkSize):
		return fmt.Errorf("%w: %d chunks for %d bytes implies chunks over %d bytes",
			ErrInvalidDescriptor, desc.TotalChunks, desc.Size, maxChunkSize)
	}
	return nil
}
