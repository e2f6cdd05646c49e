package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lanbeam/models"
)

// DefaultHistoryLimit bounds ListTransfers when no limit is given.
const DefaultHistoryLimit = 50

// SaveTransfer inserts or replaces the row for record.ID.
func (s *Store) SaveTransfer(record models.TransferRecord) error {
	if record.ID == "" {
		return errors.New("transfer_id is required")
	}
	if record.Name == "" {
		return errors.New("name is required")
	}
	if record.Status == "" {
		record.Status = models.TransferPending
	}
	if err := validateDirection(string(record.Direction)); err != nil {
		return err
	}
	if err := validateTransferStatus(string(record.Status)); err != nil {
		return err
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			name,
			size,
			mime_type,
			direction,
			available,
			status,
			peer_name,
			stored_path,
			bytes_done,
			reason,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			mime_type = excluded.mime_type,
			direction = excluded.direction,
			available = excluded.available,
			status = excluded.status,
			peer_name = excluded.peer_name,
			stored_path = excluded.stored_path,
			bytes_done = excluded.bytes_done,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		record.ID,
		record.Name,
		record.Size,
		record.MimeType,
		string(record.Direction),
		boolToInt(record.Available),
		string(record.Status),
		nullString(record.Peer),
		nullString(record.Path),
		record.BytesDone,
		nullString(record.Reason),
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", record.ID, err)
	}
	return nil
}

// GetTransfer fetches one transfer by ID.
func (s *Store) GetTransfer(id string) (*models.TransferRecord, error) {
	row := s.db.QueryRow(transferSelect+` WHERE transfer_id = ?`, id)
	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", id, err)
	}
	return record, nil
}

// ListTransfers returns the most recently updated transfers first.
func (s *Store) ListTransfers(limit int) ([]models.TransferRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.Query(transferSelect+` ORDER BY updated_at DESC, transfer_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	out := make([]models.TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return out, nil
}

// PruneTransfers deletes finished transfers last updated before cutoff.
func (s *Store) PruneTransfers(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE updated_at < ? AND status IN (?, ?)`,
		cutoff.UnixMilli(),
		transferStatusComplete,
		transferStatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return res.RowsAffected()
}

const transferSelect = `SELECT
	transfer_id,
	name,
	size,
	mime_type,
	direction,
	available,
	status,
	peer_name,
	stored_path,
	bytes_done,
	reason,
	updated_at
FROM transfers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*models.TransferRecord, error) {
	var (
		record    models.TransferRecord
		direction string
		status    string
		available int
		peer      sql.NullString
		path      sql.NullString
		reason    sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&record.Name,
		&record.Size,
		&record.MimeType,
		&direction,
		&available,
		&status,
		&peer,
		&path,
		&record.BytesDone,
		&reason,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Direction = models.Direction(direction)
	record.Status = models.TransferStatus(status)
	record.Available = available != 0
	record.Peer = peer.String
	record.Path = path.String
	record.Reason = reason.String
	return &record, nil
}
