// Package app wires discovery, the connection manager, the transfer session,
// and storage into one node.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lanbeam/config"
	"lanbeam/crypto"
	"lanbeam/discovery"
	"lanbeam/models"
	"lanbeam/network"
	"lanbeam/storage"
	"lanbeam/transfer"
)

var (
	// ErrNodeClosed indicates the node was shut down.
	ErrNodeClosed = errors.New("app: node closed")
	// ErrCertificateRejected indicates OnNewPeerCertificate declined a peer.
	ErrCertificateRejected = errors.New("app: peer certificate rejected")
)

// Options configures a Node. Callbacks run on background goroutines.
type Options struct {
	Config *config.DeviceConfig
	// Certificate and ClientTLS override the certificate files named in Config.
	Certificate *tls.Certificate
	ClientTLS   *tls.Config
	// Store receives transfer records and discovered peers when set.
	Store  *storage.Store
	Logger logrus.FieldLogger

	// AdvertiseHost is the host placed in beacons. Defaults to the first
	// non-loopback IPv4 address.
	AdvertiseHost string
	BeaconTargets []*net.UDPAddr
	WriteDelay    time.Duration

	OnPeerFound             func(peer discovery.Peer)
	OnPeerIdentified        func(deviceName string)
	OnTransferProgress      func(direction models.Direction, bytesDone int64)
	OnTransferRecordUpdated func(record models.TransferRecord)
	OnTransferFailed        func(record models.TransferRecord, err error)
	OnDisconnected          func(err error)
	OnDiscoveryError        func(err error)
	// OnNewPeerCertificate is asked before a peer's certificate is pinned
	// for the first time. Nil accepts every new peer.
	OnNewPeerCertificate func(deviceName, fingerprint string) bool
}

// Node is one device: it listens, discovers, connects, and transfers.
type Node struct {
	opts Options
	cfg  *config.DeviceConfig
	log  logrus.FieldLogger

	registry *discovery.Registry
	manager  *network.Manager
	session  *transfer.Session

	ctx    context.Context
	cancel context.CancelFunc

	discMu        sync.Mutex
	wantAdvertise bool
	wantListen    bool
	advertising   *background
	listening     *background
	closed        bool

	// pins holds fingerprints pinned while running without a Store.
	pinMu sync.Mutex
	pins  map[string]string
}

// New builds a node from its configuration. Nothing is bound until Listen or
// StartDiscovery.
func New(options Options) (*Node, error) {
	cfg := options.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	serverTLS, clientTLS, pinning, err := tlsConfigs(options)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		opts:   options,
		cfg:    cfg,
		log:    options.Logger.WithField("device", cfg.DeviceName),
		ctx:    ctx,
		cancel: cancel,
		pins:   make(map[string]string),
	}
	n.registry = discovery.NewRegistry(n.peerFound)

	managerOpts := network.ManagerOptions{
		DeviceName:       cfg.DeviceName,
		ServerTLS:        serverTLS,
		ClientTLS:        clientTLS,
		WriteDelay:       options.WriteDelay,
		Logger:           n.log,
		OnConnected:      n.connected,
		OnPeerIdentified: n.peerIdentified,
		OnDisconnected:   n.disconnected,
	}
	if pinning {
		managerOpts.VerifyServer = n.verifyServer
	}
	n.manager, err = network.NewManager(managerOpts)
	if err != nil {
		cancel()
		return nil, err
	}

	n.session, err = transfer.NewSession(transfer.SessionOptions{
		Sender:          n.manager,
		Persister:       transfer.FilePersister{Dir: cfg.DownloadDir},
		ChunkSize:       cfg.ChunkSize,
		Logger:          n.log,
		OnProgress:      options.OnTransferProgress,
		OnRecordUpdated: n.recordUpdated,
		OnFailed:        options.OnTransferFailed,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	n.manager.SetHandler(n.session)
	return n, nil
}

// tlsConfigs reports pinning when peers are trusted on first use rather than
// through a CA.
func tlsConfigs(options Options) (server, client *tls.Config, pinning bool, err error) {
	cfg := options.Config

	var cert tls.Certificate
	if options.Certificate != nil {
		cert = *options.Certificate
	} else {
		cert, err = crypto.EnsureCertificate(cfg.CertPath, cfg.KeyPath, cfg.TLSServerName)
		if err != nil {
			return nil, nil, false, fmt.Errorf("prepare certificate: %w", err)
		}
	}

	switch {
	case options.ClientTLS != nil:
		client = options.ClientTLS
	case cfg.TrustedCAPath != "":
		client, err = crypto.ClientTLSConfig(cfg.TrustedCAPath, cfg.TLSServerName)
		if err != nil {
			return nil, nil, false, fmt.Errorf("prepare trusted CA: %w", err)
		}
	default:
		client = crypto.PinningClientTLSConfig(cfg.TLSServerName)
		pinning = true
	}
	return crypto.ServerTLSConfig(cert), client, pinning, nil
}

// Listen binds the TLS listener and starts advertising this device.
func (n *Node) Listen(ctx context.Context) error {
	if err := n.manager.Listen(n.cfg.ListeningPort); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n.discMu.Lock()
	defer n.discMu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	n.wantAdvertise = true
	return n.reconcileLocked(ctx)
}

// StartDiscovery begins collecting beacons (and mDNS answers when enabled).
func (n *Node) StartDiscovery(ctx context.Context) error {
	n.discMu.Lock()
	defer n.discMu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	n.wantListen = true
	return n.reconcileLocked(ctx)
}

// StopDiscovery stops advertising and collecting peers. The TLS listener and
// any live connection are unaffected.
func (n *Node) StopDiscovery() {
	n.discMu.Lock()
	defer n.discMu.Unlock()
	n.wantAdvertise = false
	n.wantListen = false
	_ = n.reconcileLocked(n.ctx)
}

// ConnectTo dials peer. It does not retry.
func (n *Node) ConnectTo(ctx context.Context, peer models.PeerAddress) error {
	if err := n.manager.Connect(ctx, peer); err != nil {
		return err
	}
	n.savePeer(storage.PeerEntry{
		DeviceName: peer.DeviceName,
		Scheme:     peer.Scheme,
		Host:       peer.Host,
		Port:       peer.Port,
		Source:     storage.PeerSourceConnection,
	})
	return nil
}

// SendFile offers the file at path to the connected peer.
func (n *Node) SendFile(path string) (models.TransferRecord, error) {
	if !n.manager.Connected() {
		return models.TransferRecord{}, &transfer.Failure{Reason: transfer.ReasonNotConnected, Err: network.ErrNotConnected}
	}
	return n.session.SendFile(path)
}

// Disconnect closes the live connection, aborting any transfer.
func (n *Node) Disconnect() error {
	return n.manager.Disconnect()
}

// Connected reports whether a peer connection is live.
func (n *Node) Connected() bool {
	return n.manager.Connected()
}

// PeerName returns the identified peer's device name.
func (n *Node) PeerName() string {
	return n.manager.PeerName()
}

// PairingCode returns the verification code of the live connection.
func (n *Node) PairingCode() string {
	return n.manager.PairingCode()
}

// Progress returns the current transfer snapshot.
func (n *Node) Progress() transfer.Progress {
	return n.session.Progress()
}

// Peers returns discovered peers sorted by device name.
func (n *Node) Peers() []discovery.Peer {
	return n.registry.List()
}

// AddPeer registers a peer from a pairing payload.
func (n *Node) AddPeer(payload string) (models.PeerAddress, error) {
	peer, err := discovery.ParsePairingPayload(payload)
	if err != nil {
		return models.PeerAddress{}, err
	}
	if err := n.registry.Add(peer); err != nil {
		return models.PeerAddress{}, err
	}
	return peer, nil
}

// Endpoint returns the address peers should dial.
func (n *Node) Endpoint() models.PeerAddress {
	port := n.cfg.ListeningPort
	if addr, ok := n.manager.ListenAddr().(*net.TCPAddr); ok && addr.Port > 0 {
		port = addr.Port
	}

	host := n.opts.AdvertiseHost
	if host == "" {
		if ip, err := discovery.LocalIPv4(); err == nil {
			host = ip.String()
		} else {
			host = "127.0.0.1"
		}
	}
	return models.PeerAddress{
		Scheme:     models.DefaultScheme,
		Host:       host,
		Port:       port,
		DeviceName: n.cfg.DeviceName,
	}
}

// PairingPayload returns the text a QR code should carry for this device.
func (n *Node) PairingPayload() string {
	return discovery.EncodeEndpoint(n.Endpoint())
}

// Close stops discovery, disconnects, and releases the listener.
func (n *Node) Close() error {
	n.discMu.Lock()
	if n.closed {
		n.discMu.Unlock()
		return nil
	}
	n.closed = true
	_ = n.reconcileLocked(n.ctx)
	n.discMu.Unlock()

	err := n.manager.Close()
	n.cancel()
	return err
}

func (n *Node) connected(remote net.Addr, pairingCode string) {
	n.log.WithFields(logrus.Fields{
		"remote":  remote.String(),
		"pairing": pairingCode,
	}).Info("secure connection established")
	go n.reconcile()
}

func (n *Node) peerIdentified(deviceName string) {
	n.session.SetPeer(deviceName)
	if n.opts.OnPeerIdentified != nil {
		n.opts.OnPeerIdentified(deviceName)
	}
}

func (n *Node) disconnected(err error) {
	go n.reconcile()
	if n.opts.OnDisconnected != nil {
		n.opts.OnDisconnected(err)
	}
}

func (n *Node) peerFound(peer discovery.Peer) {
	n.savePeer(storage.PeerEntry{
		DeviceName: peer.Address.DeviceName,
		Scheme:     peer.Address.Scheme,
		Host:       peer.Address.Host,
		Port:       peer.Address.Port,
		Source:     string(peer.Source),
		FirstSeen:  peer.FirstSeen.UnixMilli(),
		LastSeen:   peer.LastSeen.UnixMilli(),
	})
	if n.opts.OnPeerFound != nil {
		n.opts.OnPeerFound(peer)
	}
}

func (n *Node) recordUpdated(record models.TransferRecord) {
	if n.opts.Store != nil {
		if err := n.opts.Store.SaveTransfer(record); err != nil {
			n.log.WithError(err).WithField("file_id", record.ID).Warn("could not persist transfer record")
		}
	}
	if n.opts.OnTransferRecordUpdated != nil {
		n.opts.OnTransferRecordUpdated(record)
	}
}

func (n *Node) savePeer(entry storage.PeerEntry) {
	if n.opts.Store == nil {
		return
	}
	if err := n.opts.Store.SavePeer(entry); err != nil {
		n.log.WithError(err).WithField("peer", entry.DeviceName).Warn("could not persist peer")
	}
}

// ForgetPeerCertificate drops the pinned fingerprint of deviceName so the next
// dial trusts whatever certificate it presents.
func (n *Node) ForgetPeerCertificate(deviceName string) error {
	n.pinMu.Lock()
	_, inMemory := n.pins[deviceName]
	delete(n.pins, deviceName)
	n.pinMu.Unlock()

	if n.opts.Store == nil {
		if !inMemory {
			return storage.ErrNotFound
		}
		return nil
	}
	return n.opts.Store.ForgetPeerCertificate(deviceName)
}

func (n *Node) verifyServer(peer models.PeerAddress, state tls.ConnectionState) error {
	entry := n.log.WithField("peer", peer.DeviceName)

	pinned, err := n.pinnedFingerprint(peer.DeviceName)
	if err != nil {
		return err
	}
	fingerprint, err := crypto.CheckPin(state, pinned, time.Now())
	if err != nil {
		entry.WithError(err).Warn("refusing peer certificate")
		return err
	}
	if pinned != "" {
		return nil
	}

	if n.opts.OnNewPeerCertificate != nil && !n.opts.OnNewPeerCertificate(peer.DeviceName, fingerprint) {
		return ErrCertificateRejected
	}
	entry.WithField("fingerprint", crypto.FormatFingerprint(fingerprint)).Info("trusting peer certificate on first use")
	if n.opts.Store == nil {
		n.pinMu.Lock()
		n.pins[peer.DeviceName] = fingerprint
		n.pinMu.Unlock()
		return nil
	}
	return n.opts.Store.SavePeer(storage.PeerEntry{
		DeviceName:      peer.DeviceName,
		Scheme:          peer.Scheme,
		Host:            peer.Host,
		Port:            peer.Port,
		Source:          storage.PeerSourceConnection,
		CertFingerprint: fingerprint,
	})
}

func (n *Node) pinnedFingerprint(deviceName string) (string, error) {
	if n.opts.Store == nil {
		n.pinMu.Lock()
		defer n.pinMu.Unlock()
		return n.pins[deviceName], nil
	}
	entry, err := n.opts.Store.GetPeer(deviceName)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load pinned certificate: %w", err)
	}
	return entry.CertFingerprint, nil
}
