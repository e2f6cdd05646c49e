package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoTrustedCertificates indicates the CA file held no usable certificate.
var ErrNoTrustedCertificates = errors.New("crypto: no trusted certificates found")

// ServerTLSConfig returns the listener configuration for a certificate.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLSConfig returns a dial configuration that trusts only the
// certificates in caPath and verifies the server under serverName.
func ClientTLSConfig(caPath, serverName string) (*tls.Config, error) {
	raw, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read trusted CA: %w", err)
	}
	return ClientTLSConfigFromPEM(raw, serverName)
}

// ClientTLSConfigFromPEM is ClientTLSConfig for in-memory PEM data.
func ClientTLSConfigFromPEM(caPEM []byte, serverName string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, ErrNoTrustedCertificates
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS13,
	}, nil
}
