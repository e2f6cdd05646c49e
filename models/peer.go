package models

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

// DefaultScheme is the transport scheme advertised in beacons.
const DefaultScheme = "tcp"

// PeerAddress is a connectable endpoint for a remote device.
type PeerAddress struct {
	Scheme     string `json:"scheme"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	DeviceName string `json:"device_name"`
}

// Addr returns host:port suitable for dialing.
func (p PeerAddress) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Validate reports whether the address can be dialed.
func (p PeerAddress) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("peer host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.New("peer port must be within 1-65535")
	}
	if strings.TrimSpace(p.DeviceName) == "" {
		return errors.New("peer device name is required")
	}
	return nil
}
