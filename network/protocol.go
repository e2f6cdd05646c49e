package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"lanbeam/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial and TLS handshake duration.
	DefaultConnectionTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 30 * time.Second
)

// Kind selects the message variant carried by a frame.
type Kind int

const (
	KindConnect Kind = iota + 1
	KindFileOffer
	KindChunkRequest
	KindChunkData
	KindTransferError
)

const (
	eventConnect       = "connect"
	eventFileOffer     = "file_ack"
	eventChunkRequest  = "send_chunk_ack"
	eventChunkData     = "receive_chunk_ack"
	eventTransferError = "transfer_error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnknownEvent indicates the event field is missing or not a known kind.
	ErrUnknownEvent = errors.New("network: unknown message event")
	// ErrInvalidMessage indicates a known event with invalid fields.
	ErrInvalidMessage = errors.New("network: invalid message")
)

// String returns the wire event name.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return eventConnect
	case KindFileOffer:
		return eventFileOffer
	case KindChunkRequest:
		return eventChunkRequest
	case KindChunkData:
		return eventChunkData
	case KindTransferError:
		return eventTransferError
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a wire event name to its Kind.
func ParseKind(event string) (Kind, error) {
	switch event {
	case eventConnect:
		return KindConnect, nil
	case eventFileOffer:
		return KindFileOffer, nil
	case eventChunkRequest:
		return KindChunkRequest, nil
	case eventChunkData:
		return KindChunkData, nil
	case eventTransferError:
		return KindTransferError, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

// Message is one decoded protocol message. The set of implementations is
// closed to this package.
type Message interface {
	Kind() Kind
	isMessage()
}

// Connect announces identity after the TLS handshake completes.
type Connect struct {
	DeviceName string
}

// FileOffer asks the receiver to accept a file.
type FileOffer struct {
	File models.FileDescriptor
}

// ChunkRequest asks the sender for chunk Index.
type ChunkRequest struct {
	Index int
}

// ChunkData carries the bytes of chunk Index.
type ChunkData struct {
	Index int
	Data  []byte
}

// TransferError tells the peer a transfer was refused or aborted.
type TransferError struct {
	FileID  string
	Reason  string
	Message string
}

func (Connect) Kind() Kind       { return KindConnect }
func (FileOffer) Kind() Kind     { return KindFileOffer }
func (ChunkRequest) Kind() Kind  { return KindChunkRequest }
func (ChunkData) Kind() Kind     { return KindChunkData }
func (TransferError) Kind() Kind { return KindTransferError }

func (Connect) isMessage()       {}
func (FileOffer) isMessage()     {}
func (ChunkRequest) isMessage()  {}
func (ChunkData) isMessage()     {}
func (TransferError) isMessage() {}

// envelope identifies the message kind of a frame.
type envelope struct {
	Event string `json:"event"`
}

type connectWire struct {
	Event      string `json:"event"`
	DeviceName string `json:"deviceName"`
}

type fileOfferWire struct {
	Event string                 `json:"event"`
	File  *models.FileDescriptor `json:"file"`
}

type chunkRequestWire struct {
	Event   string `json:"event"`
	ChunkNo *int   `json:"chunkNo"`
}

type chunkDataWire struct {
	Event   string `json:"event"`
	ChunkNo *int   `json:"chunkNo"`
	Chunk   []byte `json:"chunk"`
}

type transferErrorWire struct {
	Event   string `json:"event"`
	FileID  string `json:"fileId,omitempty"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// Encode marshals a message into one frame payload.
func Encode(message Message) ([]byte, error) {
	var wire any
	switch m := message.(type) {
	case Connect:
		wire = connectWire{Event: eventConnect, DeviceName: m.DeviceName}
	case FileOffer:
		file := m.File
		wire = fileOfferWire{Event: eventFileOffer, File: &file}
	case ChunkRequest:
		index := m.Index
		wire = chunkRequestWire{Event: eventChunkRequest, ChunkNo: &index}
	case ChunkData:
		index := m.Index
		data := m.Data
		if data == nil {
			data = []byte{}
		}
		wire = chunkDataWire{Event: eventChunkData, ChunkNo: &index, Chunk: data}
	case TransferError:
		wire = transferErrorWire{Event: eventTransferError, FileID: m.FileID, Reason: m.Reason, Message: m.Message}
	default:
		return nil, fmt.Errorf("encode message: unsupported type %T", message)
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// Decode parses one frame payload into a typed message.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	kind, err := ParseKind(env.Event)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindConnect:
		var wire connectWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return Connect{DeviceName: wire.DeviceName}, nil
	case KindFileOffer:
		var wire fileOfferWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if wire.File == nil {
			return nil, fmt.Errorf("%w: %s without file", ErrInvalidMessage, kind)
		}
		return FileOffer{File: *wire.File}, nil
	case KindChunkRequest:
		var wire chunkRequestWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if wire.ChunkNo == nil {
			return nil, fmt.Errorf("%w: %s without chunkNo", ErrInvalidMessage, kind)
		}
		return ChunkRequest{Index: *wire.ChunkNo}, nil
	case KindChunkData:
		var wire chunkDataWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if wire.ChunkNo == nil {
			return nil, fmt.Errorf("%w: %s without chunkNo", ErrInvalidMessage, kind)
		}
		return ChunkData{Index: *wire.ChunkNo, Data: wire.Chunk}, nil
	case KindTransferError:
		var wire transferErrorWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return TransferError{FileID: wire.FileID, Reason: wire.Reason, Message: wire.Message}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// WriteMessage encodes a message and writes it as one frame.
func WriteMessage(w io.Writer, message Message) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
