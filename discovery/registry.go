package discovery

import (
	"sort"
	"sync"
	"time"

	"lanbeam/models"
)

// Source names where a peer entry came from.
type Source string

const (
	SourceBeacon  Source = "beacon"
	SourceMDNS    Source = "mdns"
	SourcePairing Source = "pairing"
)

// Peer is one deduplicated candidate peer.
type Peer struct {
	Address   models.PeerAddress
	Source    Source
	FirstSeen time.Time
	LastSeen  time.Time
}

// Registry deduplicates discovered peers by device name.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]Peer
	onFound func(Peer)
	now     func() time.Time
}

// NewRegistry returns an empty registry. onFound runs once per device name,
// outside the registry lock.
func NewRegistry(onFound func(Peer)) *Registry {
	return &Registry{
		peers:   make(map[string]Peer),
		onFound: onFound,
		now:     time.Now,
	}
}

// Observe records a sighting and reports whether the device name was new.
// Repeat sightings refresh the address and last-seen time.
func (r *Registry) Observe(address models.PeerAddress, source Source) bool {
	if address.DeviceName == "" {
		return false
	}
	now := r.now()

	r.mu.Lock()
	existing, known := r.peers[address.DeviceName]
	peer := Peer{
		Address:   address,
		Source:    source,
		FirstSeen: now,
		LastSeen:  now,
	}
	if known {
		peer.FirstSeen = existing.FirstSeen
	}
	r.peers[address.DeviceName] = peer
	r.mu.Unlock()

	if !known && r.onFound != nil {
		r.onFound(peer)
	}
	return !known
}

// Add registers a peer from out-of-band pairing input.
func (r *Registry) Add(address models.PeerAddress) error {
	if err := address.Validate(); err != nil {
		return err
	}
	r.Observe(address, SourcePairing)
	return nil
}

// Get returns the peer registered under deviceName.
func (r *Registry) Get(deviceName string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[deviceName]
	return peer, ok
}

// List returns a snapshot sorted by device name.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.DeviceName < out[j].Address.DeviceName
	})
	return out
}

// Forget drops a peer so a later sighting reports it again.
func (r *Registry) Forget(deviceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, deviceName)
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
