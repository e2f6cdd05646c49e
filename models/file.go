package models

// FileDescriptor describes one file offered by a sender. It is shared with
// the receiver verbatim and never mutated after creation.
type FileDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType"`
	TotalChunks int    `json:"totalChunks"`
}

// Direction is the role this device plays in a transfer.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TransferStatus is the lifecycle status of a TransferRecord.
type TransferStatus string

const (
	TransferPending      TransferStatus = "pending"
	TransferTransferring TransferStatus = "transferring"
	TransferComplete     TransferStatus = "complete"
	TransferFailed       TransferStatus = "failed"
)

// TransferRecord is the user-visible view of a transfer.
type TransferRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Size      int64          `json:"size"`
	MimeType  string         `json:"mime_type"`
	Available bool           `json:"available"`
	Direction Direction      `json:"direction"`
	Status    TransferStatus `json:"status"`
	Peer      string         `json:"peer,omitempty"`
	Path      string         `json:"path,omitempty"`
	BytesDone int64          `json:"bytes_done"`
	Reason    string         `json:"reason,omitempty"`
	UpdatedAt int64          `json:"updated_at"`
}

// RecordFromDescriptor starts a pending record for a descriptor.
func RecordFromDescriptor(desc FileDescriptor, direction Direction, peer string) TransferRecord {
	return TransferRecord{
		ID:        desc.ID,
		Name:      desc.Name,
		Size:      desc.Size,
		MimeType:  desc.MimeType,
		Direction: direction,
		Status:    TransferPending,
		Peer:      peer,
	}
}
