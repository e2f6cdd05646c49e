package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

const (
	directionSend    = "send"
	directionReceive = "receive"
)

const (
	transferStatusPending      = "pending"
	transferStatusTransferring = "transferring"
	transferStatusComplete     = "complete"
	transferStatusFailed       = "failed"
)

const (
	// PeerSourceConnection marks a peer recorded because it connected to us.
	PeerSourceConnection = "connection"
)

// PeerEntry is one remembered peer endpoint.
type PeerEntry struct {
	DeviceName string
	Scheme     string
	Host       string
	Port       int
	Source     string
	FirstSeen  int64
	LastSeen   int64
	// CertFingerprint is the pinned certificate fingerprint, empty until
	// the first successful dial.
	CertFingerprint string
}

func validateDirection(direction string) error {
	switch direction {
	case directionSend, directionReceive:
		return nil
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case transferStatusPending, transferStatusTransferring, transferStatusComplete, transferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validatePeerSource(source string) error {
	switch source {
	case "beacon", "mdns", "pairing", PeerSourceConnection:
		return nil
	default:
		return fmt.Errorf("invalid peer source %q", source)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
