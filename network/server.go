package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ServerOptions controls the TLS listener.
type ServerOptions struct {
	TLSConfig         *tls.Config
	ConnectionTimeout time.Duration
}

// Server accepts inbound TCP sessions and completes their TLS handshake.
type Server struct {
	listener net.Listener
	options  ServerOptions

	incoming chan *tls.Conn
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TLS listener and handshake accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	if options.TLSConfig == nil {
		return nil, errors.New("server TLS config is required")
	}
	if options.ConnectionTimeout <= 0 {
		options.ConnectionTimeout = DefaultConnectionTimeout
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  options,
		incoming: make(chan *tls.Conn, 4),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted connections whose handshake completed.
func (s *Server) Incoming() <-chan *tls.Conn {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	tlsConn := tls.Server(conn, s.options.TLSConfig)
	ctx, cancel := context.WithTimeout(context.Background(), s.options.ConnectionTimeout)
	defer cancel()

	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tlsConn.Close()
		s.reportError(fmt.Errorf("tls handshake with %s: %w", conn.RemoteAddr(), err))
		return
	}

	select {
	case s.incoming <- tlsConn:
	case <-s.closed:
		_ = tlsConn.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
