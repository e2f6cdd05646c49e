package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"lanbeam/models"
)

const (
	// DefaultDiscoveryPort is the UDP port beacons are sent to.
	DefaultDiscoveryPort = 57143
	// DefaultBeaconInterval is the pause between two beacons.
	DefaultBeaconInterval = 300 * time.Millisecond
	// DefaultMaxConsecutiveFailures is the number of failed rounds tolerated
	// before advertising gives up.
	DefaultMaxConsecutiveFailures = 10
	// DefaultBindAttempts bounds socket bind retries.
	DefaultBindAttempts = 5
)

// ErrDiscoveryFailed indicates the discovery socket is unusable.
var ErrDiscoveryFailed = errors.New("discovery: socket unusable")

// BeaconOptions configures a Beacon.
type BeaconOptions struct {
	Endpoint models.PeerAddress
	Port     int
	Interval time.Duration
	// Targets overrides the computed broadcast destinations.
	Targets                []*net.UDPAddr
	MaxConsecutiveFailures int
	BindAttempts           int
	Logger                 logrus.FieldLogger
}

func (o BeaconOptions) withDefaults() BeaconOptions {
	out := o
	if out.Port <= 0 {
		out.Port = DefaultDiscoveryPort
	}
	if out.Interval <= 0 {
		out.Interval = DefaultBeaconInterval
	}
	if out.MaxConsecutiveFailures <= 0 {
		out.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if out.BindAttempts <= 0 {
		out.BindAttempts = DefaultBindAttempts
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Beacon repeatedly broadcasts this device's endpoint.
type Beacon struct {
	opts    BeaconOptions
	payload []byte
	log     logrus.FieldLogger
}

// NewBeacon validates the endpoint and prepares the beacon payload.
func NewBeacon(options BeaconOptions) (*Beacon, error) {
	opts := options.withDefaults()
	if err := opts.Endpoint.Validate(); err != nil {
		return nil, fmt.Errorf("beacon endpoint: %w", err)
	}
	return &Beacon{
		opts:    opts,
		payload: []byte(EncodeEndpoint(opts.Endpoint)),
		log:     opts.Logger.WithField("component", "beacon"),
	}, nil
}

// Payload returns the datagram the beacon sends.
func (b *Beacon) Payload() string {
	return string(b.payload)
}

// Run advertises until ctx is cancelled. It returns nil on cancellation and
// ErrDiscoveryFailed when the socket cannot be bound or keeps failing.
func (b *Beacon) Run(ctx context.Context) error {
	conn, err := bindUDP(ctx, &net.UDPAddr{IP: net.IPv4zero}, b.opts.Interval, b.opts.BindAttempts)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: bind: %v", ErrDiscoveryFailed, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	targets := b.opts.Targets
	if len(targets) == 0 {
		targets = BroadcastTargets(b.opts.Port)
	}
	b.log.WithFields(logrus.Fields{
		"payload": string(b.payload),
		"targets": len(targets),
	}).Info("advertising")

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := b.broadcast(conn, targets); err != nil {
			failures++
			b.log.WithError(err).WithField("failures", failures).Warn("beacon send failed")
			if failures >= b.opts.MaxConsecutiveFailures {
				return fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			b.log.Info("advertising stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// broadcast sends one beacon to every target. A round fails only when no
// target accepted the datagram.
func (b *Beacon) broadcast(conn *net.UDPConn, targets []*net.UDPAddr) error {
	var lastErr error
	sent := 0
	for _, target := range targets {
		if _, err := conn.WriteToUDP(b.payload, target); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		if lastErr == nil {
			lastErr = errors.New("no broadcast targets")
		}
		return lastErr
	}
	return nil
}

// BroadcastTargets returns the limited broadcast address plus the directed
// broadcast address of every up, non-loopback IPv4 interface.
func BroadcastTargets(port int) []*net.UDPAddr {
	targets := []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}
	seen := map[string]struct{}{net.IPv4bcast.String(): {}}

	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			bcast := directedBroadcast(ipNet)
			if bcast == nil {
				continue
			}
			if _, dup := seen[bcast.String()]; dup {
				continue
			}
			seen[bcast.String()] = struct{}{}
			targets = append(targets, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	return targets
}

func directedBroadcast(ipNet *net.IPNet) net.IP {
	ip := ipNet.IP.To4()
	if ip == nil {
		return nil
	}
	mask := ipNet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

// bindUDP binds addr, retrying with a constant backoff.
func bindUDP(ctx context.Context, addr *net.UDPAddr, interval time.Duration, attempts int) (*net.UDPConn, error) {
	var conn *net.UDPConn
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		c, err := net.ListenUDP("udp4", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
