package crypto

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoPeerCertificate indicates the peer completed the handshake without a certificate.
	ErrNoPeerCertificate = errors.New("crypto: peer presented no certificate")
	// ErrFingerprintMismatch indicates the peer's certificate differs from the pinned one.
	ErrFingerprintMismatch = errors.New("crypto: peer certificate does not match pinned fingerprint")
	// ErrCertificateExpired indicates the peer's certificate is outside its validity window.
	ErrCertificateExpired = errors.New("crypto: peer certificate is not currently valid")
)

// PinningClientTLSConfig returns a dial configuration that skips CA chain
// verification. Callers install VerifyConnection to check the pinned
// fingerprint, see CheckPin.
func PinningClientTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
	}
}

// PeerFingerprint returns the fingerprint of the leaf certificate in state.
func PeerFingerprint(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", ErrNoPeerCertificate
	}
	return Fingerprint(state.PeerCertificates[0].Raw), nil
}

// CheckPin verifies the peer certificate in state against pinned. An empty
// pinned value trusts the certificate on first use. The presented
// fingerprint is returned so the caller can pin it.
func CheckPin(state tls.ConnectionState, pinned string, now time.Time) (string, error) {
	fingerprint, err := PeerFingerprint(state)
	if err != nil {
		return "", err
	}
	leaf := state.PeerCertificates[0]
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return fingerprint, ErrCertificateExpired
	}
	if pinned != "" && pinned != fingerprint {
		return fingerprint, fmt.Errorf("%w: presented %s, pinned %s",
			ErrFingerprintMismatch, FormatFingerprint(fingerprint), FormatFingerprint(pinned))
	}
	return fingerprint, nil
}
