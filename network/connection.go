package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateReady        ConnectionState = "READY"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	WriteTimeout time.Duration
	// WriteDelay pauses before each frame write. Zero disables pacing.
	WriteDelay time.Duration
	Logger     logrus.FieldLogger
}

// PeerConnection manages one framed stream and decodes inbound frames into
// typed messages.
type PeerConnection struct {
	conn net.Conn
	log  logrus.FieldLogger

	writeTimeout time.Duration
	writeDelay   time.Duration
	sendMu       sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	inbound chan Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, options ConnectionOptions) *PeerConnection {
	writeTimeout := options.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	pc := &PeerConnection{
		conn:         conn,
		log:          logger.WithField("remote", conn.RemoteAddr().String()),
		writeTimeout: writeTimeout,
		writeDelay:   options.WriteDelay,
		inbound:      make(chan Message, 64),
		closed:       make(chan struct{}),
		state:        StateReady,
	}

	go pc.readLoop()
	return pc
}

// RemoteAddr returns the peer socket address.
func (pc *PeerConnection) RemoteAddr() net.Addr {
	return pc.conn.RemoteAddr()
}

// State returns the current connection state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Inbound yields decoded messages in arrival order. It is closed when the
// connection terminates.
func (pc *PeerConnection) Inbound() <-chan Message {
	return pc.inbound
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// Send encodes a message and writes it as one frame.
func (pc *PeerConnection) Send(message Message) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	return pc.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (pc *PeerConnection) SendRaw(payload []byte) error {
	if pc.State() == StateDisconnected {
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()

	if pc.writeDelay > 0 {
		select {
		case <-time.After(pc.writeDelay):
		case <-pc.closed:
			return io.EOF
		}
	}

	if err := pc.conn.SetWriteDeadline(time.Now().Add(pc.writeTimeout)); err != nil {
		pc.closeWithError(fmt.Errorf("set write deadline: %w", err))
		return err
	}
	if err := WriteFrame(pc.conn, payload); err != nil {
		pc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	defer close(pc.inbound)

	for {
		payload, err := ReadFrame(pc.conn)
		if err != nil {
			if isClosedErr(err) {
				pc.closeWithError(nil)
				return
			}
			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		if len(payload) == 0 {
			continue
		}

		message, err := Decode(payload)
		if err != nil {
			pc.log.WithError(err).Warn("dropping undecodable message")
			continue
		}

		select {
		case pc.inbound <- message:
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.stateMu.Lock()
		pc.state = StateDisconnected
		pc.stateMu.Unlock()

		_ = pc.conn.Close()
		close(pc.closed)
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
