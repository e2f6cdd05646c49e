package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// DialOptions controls outbound TLS connections.
type DialOptions struct {
	TLSConfig         *tls.Config
	ConnectionTimeout time.Duration
}

// Dial connects to address and completes the TLS handshake. It never retries.
func Dial(ctx context.Context, address string, options DialOptions) (*tls.Conn, error) {
	if options.TLSConfig == nil {
		return nil, errors.New("client TLS config is required")
	}
	timeout := options.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    options.TLSConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return conn.(*tls.Conn), nil
}
