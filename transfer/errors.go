package transfer

import (
	"errors"
	"fmt"

	"lanbeam/network"
)

var (
	// ErrTransferActive indicates a second transfer was started while one is in progress.
	ErrTransferActive = errors.New("transfer: a transfer is already active")
	// ErrNoActiveTransfer indicates a chunk operation arrived with nothing in progress.
	ErrNoActiveTransfer = errors.New("transfer: no active transfer")
	// ErrChunkOutOfRange indicates a chunk index outside [0, totalChunks).
	ErrChunkOutOfRange = errors.New("transfer: chunk index out of range")
	// ErrChunkCountMismatch indicates reassembled data disagrees with the descriptor.
	ErrChunkCountMismatch = errors.New("transfer: chunk count mismatch")
	// ErrInvalidDescriptor indicates an offered file descriptor is unusable.
	ErrInvalidDescriptor = errors.New("transfer: invalid file descriptor")
)

// Reason is the machine-readable code attached to every transfer failure.
type Reason string

const (
	ReasonNotConnected       Reason = "not_connected"
	ReasonBusy               Reason = "busy"
	ReasonConnectionLost     Reason = "connection_lost"
	ReasonProtocolError      Reason = "protocol_error"
	ReasonChunkCountMismatch Reason = "chunk_count_mismatch"
	ReasonSourceReadFailed   Reason = "source_read_failed"
	ReasonPersistFailed      Reason = "persist_failed"
	ReasonPeerRejected       Reason = "peer_rejected"
	ReasonTransportError     Reason = "transport_error"
)

// Failure pairs a Reason with the underlying error.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(reason Reason, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}

// ReasonOf extracts the reason code of err, defaulting to transport_error.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Reason
	}
	switch {
	case errors.Is(err, network.ErrNotConnected):
		return ReasonNotConnected
	case errors.Is(err, ErrTransferActive):
		return ReasonBusy
	case errors.Is(err, ErrChunkCountMismatch):
		return ReasonChunkCountMismatch
	case errors.Is(err, ErrChunkOutOfRange), errors.Is(err, ErrInvalidDescriptor):
		return ReasonProtocolError
	}
	return ReasonTransportError
}
