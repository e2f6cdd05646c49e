package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateFor(t *testing.T) (tls.ConnectionState, string) {
	t.Helper()
	certPEM, _, err := GenerateSelfSigned("lanbeam")
	require.NoError(t, err)
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}}, Fingerprint(block.Bytes)
}

func TestCheckPinTrustsOnFirstUse(t *testing.T) {
	state, want := stateFor(t)

	got, err := CheckPin(state, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = CheckPin(state, want, time.Now())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCheckPinRejectsChangedCertificate(t *testing.T) {
	state, _ := stateFor(t)
	_, other := stateFor(t)

	_, err := CheckPin(state, other, time.Now())
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestCheckPinRejectsExpiredOrMissingCertificate(t *testing.T) {
	state, _ := stateFor(t)
	_, err := CheckPin(state, "", time.Now().Add(CertificateValidity+time.Hour))
	assert.ErrorIs(t, err, ErrCertificateExpired)

	_, err = CheckPin(tls.ConnectionState{}, "", time.Now())
	assert.ErrorIs(t, err, ErrNoPeerCertificate)
}

func TestPinningClientTLSConfigSkipsChainVerification(t *testing.T) {
	cfg := PinningClientTLSConfig("lanbeam")
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, "lanbeam", cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}
