package crypto

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	pairingExporterLabel = "EXPORTER-lanbeam-pairing"
	pairingInfo          = "lanbeam pairing code v1"
)

// PairingCode derives a six-digit code both ends of one TLS session compute
// identically, so users can compare it out of band.
func PairingCode(state tls.ConnectionState) (string, error) {
	secret, err := state.ExportKeyingMaterial(pairingExporterLabel, nil, 32)
	if err != nil {
		return "", fmt.Errorf("export keying material: %w", err)
	}
	return pairingCodeFromSecret(secret)
}

func pairingCodeFromSecret(secret []byte) (string, error) {
	out := make([]byte, 4)
	reader := hkdf.New(sha256.New, secret, nil, []byte(pairingInfo))
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", fmt.Errorf("derive pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(out)%1_000_000), nil
}
