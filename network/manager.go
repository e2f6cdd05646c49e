package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lanbeam/crypto"
	"lanbeam/models"
)

var (
	// ErrNotConnected indicates a send or transfer was attempted without a live peer.
	ErrNotConnected = errors.New("network: not connected")
	// ErrAlreadyConnected indicates a second peer connection was attempted.
	ErrAlreadyConnected = errors.New("network: already connected")
	// ErrManagerClosed indicates the manager was shut down.
	ErrManagerClosed = errors.New("network: manager closed")
)

// LinkID identifies one connection for the lifetime of a Manager. IDs grow
// monotonically; zero means no connection.
type LinkID uint64

// Handler consumes the messages of the live connection. HandleDisconnect is
// called exactly once per connection, before Disconnect returns. A message
// may still be delivered for a link after its HandleDisconnect, so handlers
// must drop messages whose link has already been disconnected.
type Handler interface {
	HandleMessage(link LinkID, message Message)
	HandleDisconnect(link LinkID, err error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	DeviceName        string
	ServerTLS         *tls.Config
	ClientTLS         *tls.Config
	ConnectionTimeout time.Duration
	WriteTimeout      time.Duration
	WriteDelay        time.Duration
	Logger            logrus.FieldLogger

	// VerifyServer, when set, runs during each outbound handshake in place of
	// CA verification, see crypto.PinningClientTLSConfig.
	VerifyServer func(peer models.PeerAddress, state tls.ConnectionState) error

	OnConnected      func(remote net.Addr, pairingCode string)
	OnPeerIdentified func(deviceName string)
	OnDisconnected   func(err error)
}

// link is one accepted or dialed connection and its teardown guard.
type link struct {
	id       LinkID
	pc       *PeerConnection
	once     sync.Once
	inbound  bool
	pairCode string
}

// Manager owns the single secure peer connection, as server or client.
type Manager struct {
	opts ManagerOptions
	log  logrus.FieldLogger

	mu         sync.Mutex
	handler    Handler
	server     *Server
	link       *link
	connecting bool
	peerName   string
	closed     bool
	lastLink   LinkID

	wg sync.WaitGroup
}

// NewManager validates options and returns a manager with no connection.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.DeviceName == "" {
		return nil, errors.New("device name is required")
	}
	if options.ConnectionTimeout <= 0 {
		options.ConnectionTimeout = DefaultConnectionTimeout
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	return &Manager{
		opts: options,
		log:  options.Logger.WithField("component", "network"),
	}, nil
}

// SetHandler installs the consumer of inbound messages.
func (m *Manager) SetHandler(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Listen binds the TLS listener on port. It is a no-op when already listening.
func (m *Manager) Listen(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.server != nil {
		return nil
	}
	if m.opts.ServerTLS == nil {
		return errors.New("server TLS config is required")
	}

	server, err := Listen(net.JoinHostPort("", strconv.Itoa(port)), ServerOptions{
		TLSConfig:         m.opts.ServerTLS,
		ConnectionTimeout: m.opts.ConnectionTimeout,
	})
	if err != nil {
		return err
	}
	m.server = server
	m.log.WithField("addr", server.Addr().String()).Info("listening for peers")

	m.wg.Add(1)
	go m.acceptLoop(server)
	return nil
}

// ListenAddr returns the bound listener address, or nil.
func (m *Manager) ListenAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// StopListening closes the listener. The live connection, if any, survives.
func (m *Manager) StopListening() error {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

// Connect dials peer, then announces this device with a connect message.
// Failures are returned to the caller without retry.
func (m *Manager) Connect(ctx context.Context, peer models.PeerAddress) error {
	if err := peer.Validate(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if m.opts.ClientTLS == nil {
		return errors.New("client TLS config is required")
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrManagerClosed
	case m.link != nil || m.connecting:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.connecting = true
	m.mu.Unlock()

	tlsConfig := m.opts.ClientTLS
	if verify := m.opts.VerifyServer; verify != nil {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.VerifyConnection = func(state tls.ConnectionState) error {
			return verify(peer, state)
		}
	}

	conn, err := Dial(ctx, peer.Addr(), DialOptions{
		TLSConfig:         tlsConfig,
		ConnectionTimeout: m.opts.ConnectionTimeout,
	})

	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()

	if err != nil {
		m.log.WithError(err).WithField("peer", peer.DeviceName).Error("connection failed")
		return fmt.Errorf("connect to %s: %w", peer.DeviceName, err)
	}

	if _, err := m.attach(conn, false); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// Send writes one message to the live peer.
func (m *Manager) Send(message Message) error {
	return m.SendOn(m.CurrentLink(), message)
}

// SendOn writes one message on link. It fails with ErrNotConnected once link
// is no longer the live connection.
func (m *Manager) SendOn(id LinkID, message Message) error {
	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l == nil || id == 0 || l.id != id {
		return ErrNotConnected
	}
	if err := l.pc.Send(message); err != nil {
		return fmt.Errorf("send %s: %w", message.Kind(), err)
	}
	return nil
}

// CurrentLink returns the ID of the live connection, or zero.
func (m *Manager) CurrentLink() LinkID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return 0
	}
	return m.link.id
}

// Disconnect tears down the live connection. The handler has been reset by
// the time it returns. Calling it without a connection is a no-op.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l == nil {
		return nil
	}
	m.teardown(l, nil)
	return nil
}

// Connected reports whether a peer connection is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil
}

// PeerName returns the device name announced by the live peer.
func (m *Manager) PeerName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerName
}

// PairingCode returns the verification code of the live connection.
func (m *Manager) PairingCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return ""
	}
	return m.link.pairCode
}

// Close stops listening, disconnects, and waits for background loops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.StopListening()
	_ = m.Disconnect()
	m.wg.Wait()
	return err
}

func (m *Manager) acceptLoop(server *Server) {
	defer m.wg.Done()

	incoming := server.Incoming()
	errs := server.Errors()
	for incoming != nil || errs != nil {
		select {
		case conn, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			if _, err := m.attach(conn, true); err != nil {
				m.log.WithField("remote", conn.RemoteAddr().String()).WithError(err).Warn("rejecting inbound connection")
				_ = conn.Close()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.log.WithError(err).Warn("listener error")
		}
	}
}

func (m *Manager) attach(conn *tls.Conn, inbound bool) (*link, error) {
	code, err := crypto.PairingCode(conn.ConnectionState())
	if err != nil {
		m.log.WithError(err).Warn("pairing code unavailable")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.link != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	m.lastLink++
	l := &link{
		id: m.lastLink,
		pc: newPeerConnection(conn, ConnectionOptions{
			WriteTimeout: m.opts.WriteTimeout,
			WriteDelay:   m.opts.WriteDelay,
			Logger:       m.log,
		}),
		inbound:  inbound,
		pairCode: code,
	}
	m.link = l
	m.peerName = ""
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"remote":  conn.RemoteAddr().String(),
		"inbound": inbound,
		"pairing": code,
	}).Info("peer connected")

	m.wg.Add(1)
	go m.dispatch(l)

	if m.opts.OnConnected != nil {
		m.opts.OnConnected(conn.RemoteAddr(), code)
	}
	if err := l.pc.Send(Connect{DeviceName: m.opts.DeviceName}); err != nil {
		m.teardown(l, err)
		return nil, fmt.Errorf("announce device: %w", err)
	}
	return l, nil
}

// dispatch routes the connection's inbound messages in arrival order.
func (m *Manager) dispatch(l *link) {
	defer m.wg.Done()

	for message := range l.pc.Inbound() {
		if !m.isCurrent(l) {
			continue
		}
		if connect, ok := message.(Connect); ok {
			m.mu.Lock()
			m.peerName = connect.DeviceName
			m.mu.Unlock()
			m.log.WithField("peer", connect.DeviceName).Info("peer identified")
			if m.opts.OnPeerIdentified != nil {
				m.opts.OnPeerIdentified(connect.DeviceName)
			}
			continue
		}
		if handler := m.currentHandler(); handler != nil {
			handler.HandleMessage(l.id, message)
		}
	}

	m.teardown(l, l.pc.LastError())
}

// teardown closes l and resets the handler once. Concurrent callers block
// until the first one finishes.
func (m *Manager) teardown(l *link, cause error) {
	performed := false
	l.once.Do(func() {
		performed = true

		m.mu.Lock()
		if m.link == l {
			m.link = nil
			m.peerName = ""
		}
		m.mu.Unlock()

		_ = l.pc.Close()
		if handler := m.currentHandler(); handler != nil {
			handler.HandleDisconnect(l.id, cause)
		}
	})
	if !performed {
		return
	}

	entry := m.log.WithField("remote", l.pc.RemoteAddr().String())
	if cause != nil {
		entry.WithError(cause).Warn("connection lost")
	} else {
		entry.Info("disconnected")
	}
	if m.opts.OnDisconnected != nil {
		m.opts.OnDisconnected(cause)
	}
}

func (m *Manager) isCurrent(l *link) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link == l
}

func (m *Manager) currentHandler() Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}
