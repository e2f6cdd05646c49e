package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SavePeer upserts a peer. FirstSeen is kept from the original row, and so
// is the pinned fingerprint unless peer carries a new one.
func (s *Store) SavePeer(peer PeerEntry) error {
	if peer.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if peer.Host == "" {
		return errors.New("host is required")
	}
	if peer.Port <= 0 {
		return errors.New("port must be > 0")
	}
	if peer.Scheme == "" {
		peer.Scheme = "tcp"
	}
	if err := validatePeerSource(peer.Source); err != nil {
		return err
	}
	now := nowUnixMilli()
	if peer.LastSeen == 0 {
		peer.LastSeen = now
	}
	if peer.FirstSeen == 0 {
		peer.FirstSeen = peer.LastSeen
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			device_name,
			scheme,
			host,
			port,
			source,
			first_seen,
			last_seen,
			cert_fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_name) DO UPDATE SET
			scheme = excluded.scheme,
			host = excluded.host,
			port = excluded.port,
			source = excluded.source,
			last_seen = excluded.last_seen,
			cert_fingerprint = CASE
				WHEN excluded.cert_fingerprint <> '' THEN excluded.cert_fingerprint
				ELSE peers.cert_fingerprint
			END`,
		peer.DeviceName,
		peer.Scheme,
		peer.Host,
		peer.Port,
		peer.Source,
		peer.FirstSeen,
		peer.LastSeen,
		peer.CertFingerprint,
	)
	if err != nil {
		return fmt.Errorf("save peer %q: %w", peer.DeviceName, err)
	}
	return nil
}

// ListPeers returns remembered peers, most recently seen first.
func (s *Store) ListPeers() ([]PeerEntry, error) {
	rows, err := s.db.Query(
		`SELECT device_name, scheme, host, port, source, first_seen, last_seen, cert_fingerprint
		FROM peers
		ORDER BY last_seen DESC, device_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	out := make([]PeerEntry, 0)
	for rows.Next() {
		var peer PeerEntry
		if err := rows.Scan(
			&peer.DeviceName,
			&peer.Scheme,
			&peer.Host,
			&peer.Port,
			&peer.Source,
			&peer.FirstSeen,
			&peer.LastSeen,
			&peer.CertFingerprint,
		); err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		out = append(out, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return out, nil
}

// GetPeer fetches one peer by device name.
func (s *Store) GetPeer(deviceName string) (*PeerEntry, error) {
	var peer PeerEntry
	err := s.db.QueryRow(
		`SELECT device_name, scheme, host, port, source, first_seen, last_seen, cert_fingerprint
		FROM peers
		WHERE device_name = ?`,
		deviceName,
	).Scan(
		&peer.DeviceName,
		&peer.Scheme,
		&peer.Host,
		&peer.Port,
		&peer.Source,
		&peer.FirstSeen,
		&peer.LastSeen,
		&peer.CertFingerprint,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceName, err)
	}
	return &peer, nil
}

// ForgetPeerCertificate clears the pinned fingerprint of deviceName so the
// next dial pins whatever certificate it presents.
func (s *Store) ForgetPeerCertificate(deviceName string) error {
	result, err := s.db.Exec(
		`UPDATE peers SET cert_fingerprint = '' WHERE device_name = ?`,
		deviceName,
	)
	if err != nil {
		return fmt.Errorf("forget certificate of %q: %w", deviceName, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("forget certificate of %q: %w", deviceName, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
