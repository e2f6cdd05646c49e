package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const maxDatagramSize = 2048

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	Port int
	// SelfName is this device's name; its own beacons are ignored.
	SelfName     string
	Registry     *Registry
	BindAttempts int
	Logger       logrus.FieldLogger
}

// Listener collects beacons from the discovery port into a Registry.
type Listener struct {
	opts ListenerOptions
	log  logrus.FieldLogger

	conn   *net.UDPConn
	packet *ipv4.PacketConn

	closeOnce sync.Once
}

// Listen binds the discovery port. Port 0 picks an ephemeral port.
func Listen(ctx context.Context, options ListenerOptions) (*Listener, error) {
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if options.Port < 0 {
		options.Port = DefaultDiscoveryPort
	}
	if options.BindAttempts <= 0 {
		options.BindAttempts = DefaultBindAttempts
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	log := options.Logger.WithField("component", "discovery")

	conn, err := bindUDP(ctx, &net.UDPAddr{IP: net.IPv4zero, Port: options.Port}, DefaultBeaconInterval, options.BindAttempts)
	if err != nil {
		return nil, fmt.Errorf("%w: bind port %d: %v", ErrDiscoveryFailed, options.Port, err)
	}

	packet := ipv4.NewPacketConn(conn)
	if err := packet.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		log.WithError(err).Debug("control messages unavailable")
	}

	return &Listener{
		opts:   options,
		log:    log,
		conn:   conn,
		packet: packet,
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Run reads beacons until ctx is cancelled or the listener is closed.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()

	l.log.WithField("addr", l.Addr().String()).Info("listening for beacons")
	buf := make([]byte, maxDatagramSize)
	for {
		n, cm, src, err := l.packet.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read: %v", ErrDiscoveryFailed, err)
		}
		l.handleDatagram(buf[:n], cm, src)
	}
}

func (l *Listener) handleDatagram(datagram []byte, cm *ipv4.ControlMessage, src net.Addr) {
	entry := l.log.WithField("src", src.String())
	if cm != nil {
		entry = entry.WithField("ifindex", cm.IfIndex)
	}

	peer, err := ParseEndpoint(string(datagram))
	if err != nil {
		entry.WithError(err).Debug("ignoring datagram")
		return
	}
	if peer.DeviceName == l.opts.SelfName {
		return
	}
	if ip := net.ParseIP(peer.Host); ip != nil && ip.IsUnspecified() {
		if udp, ok := src.(*net.UDPAddr); ok {
			peer.Host = udp.IP.String()
		}
	}

	if l.opts.Registry.Observe(peer, SourceBeacon) {
		entry.WithField("peer", peer.DeviceName).Info("peer found")
	}
}

// Close releases the socket.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}
