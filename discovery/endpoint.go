package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"lanbeam/models"
)

// ErrInvalidEndpoint indicates a beacon or pairing payload that does not
// follow the "scheme://host:port|deviceName" format.
var ErrInvalidEndpoint = errors.New("discovery: invalid endpoint")

// EncodeEndpoint renders a peer address as a beacon payload.
func EncodeEndpoint(peer models.PeerAddress) string {
	scheme := peer.Scheme
	if scheme == "" {
		scheme = models.DefaultScheme
	}
	return fmt.Sprintf("%s://%s|%s", scheme, peer.Addr(), peer.DeviceName)
}

// ParseEndpoint decodes a beacon payload.
func ParseEndpoint(payload string) (models.PeerAddress, error) {
	location, name, ok := strings.Cut(payload, "|")
	if !ok {
		return models.PeerAddress{}, fmt.Errorf("%w: missing device name", ErrInvalidEndpoint)
	}
	scheme, hostPort, ok := strings.Cut(location, "://")
	if !ok || scheme == "" {
		return models.PeerAddress{}, fmt.Errorf("%w: missing scheme", ErrInvalidEndpoint)
	}
	host, rawPort, err := net.SplitHostPort(hostPort)
	if err != nil {
		return models.PeerAddress{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return models.PeerAddress{}, fmt.Errorf("%w: port %q", ErrInvalidEndpoint, rawPort)
	}

	peer := models.PeerAddress{
		Scheme:     scheme,
		Host:       host,
		Port:       port,
		DeviceName: name,
	}
	if err := peer.Validate(); err != nil {
		return models.PeerAddress{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	return peer, nil
}

// ParsePairingPayload decodes an endpoint entered by hand or read from a QR
// code. It accepts surrounding whitespace.
func ParsePairingPayload(payload string) (models.PeerAddress, error) {
	return ParseEndpoint(strings.TrimSpace(payload))
}

// LocalIPv4 returns the first IPv4 address of an up, non-loopback interface.
func LocalIPv4() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
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
			if ip := ipNet.IP.To4(); ip != nil {
				return ip, nil
			}
		}
	}
	return nil, errors.New("no IPv4 interface available")
}
