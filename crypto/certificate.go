package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"

	// CertificateValidity is the lifetime of generated self-signed certificates.
	CertificateValidity = 365 * 24 * time.Hour
	// CertificateOrganization is the subject organization of generated certificates.
	CertificateOrganization = "lanbeam"
)

// EnsureCertificate loads a TLS certificate/key pair from disk, generating a
// self-signed pair on first run. The generated certificate is its own CA and
// carries serverName as its only DNS SAN.
func EnsureCertificate(certPath, keyPath, serverName string) (tls.Certificate, error) {
	cert, err := LoadCertificate(certPath, keyPath)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return tls.Certificate{}, err
	}

	certPEM, keyPEM, err := GenerateSelfSigned(serverName)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := writePEMFile(certPath, certPEM); err != nil {
		return tls.Certificate{}, fmt.Errorf("write certificate: %w", err)
	}
	if err := writePEMFile(keyPath, keyPEM); err != nil {
		return tls.Certificate{}, fmt.Errorf("write private key: %w", err)
	}

	cert, err = tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse generated key pair: %w", err)
	}
	return cert, nil
}

// LoadCertificate reads a PEM certificate/key pair.
func LoadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	if _, err := os.Stat(certPath); err != nil {
		return tls.Certificate{}, fmt.Errorf("stat certificate: %w", err)
	}
	if _, err := os.Stat(keyPath); err != nil {
		return tls.Certificate{}, fmt.Errorf("stat private key: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}
	return cert, nil
}

// GenerateSelfSigned creates a P-256 certificate and PKCS#8 key in PEM form.
func GenerateSelfSigned(serverName string) (certPEM, keyPEM []byte, err error) {
	if strings.TrimSpace(serverName) == "" {
		return nil, nil, errors.New("server name is required")
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   serverName,
			Organization: []string{CertificateOrganization},
		},
		DNSNames:              []string{serverName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(CertificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: privDER})
	return certPEM, keyPEM, nil
}

// Fingerprint returns the SHA-256 hex fingerprint of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := min(i+4, len(clean))
		b.WriteString(clean[i:end])
	}
	return b.String()
}

func writePEMFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
