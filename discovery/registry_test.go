package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanbeam/models"
)

func TestRegistryDeduplicatesByDeviceName(t *testing.T) {
	var found []Peer
	registry := NewRegistry(func(peer Peer) {
		found = append(found, peer)
	})

	addr := models.PeerAddress{Scheme: "tcp", Host: "10.0.0.2", Port: 4000, DeviceName: "Bob"}
	for i := 0; i < 25; i++ {
		registry.Observe(addr, SourceBeacon)
	}

	require.Len(t, found, 1)
	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, "Bob", found[0].Address.DeviceName)
}

func TestRegistryRefreshesAddressAndLastSeen(t *testing.T) {
	registry := NewRegistry(nil)
	clock := time.Unix(1_700_000_000, 0)
	registry.now = func() time.Time { return clock }

	assert.True(t, registry.Observe(models.PeerAddress{Host: "10.0.0.2", Port: 4000, DeviceName: "Bob"}, SourceBeacon))
	clock = clock.Add(time.Minute)
	assert.False(t, registry.Observe(models.PeerAddress{Host: "10.0.0.9", Port: 4001, DeviceName: "Bob"}, SourceBeacon))

	peer, ok := registry.Get("Bob")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", peer.Address.Host)
	assert.Equal(t, 4001, peer.Address.Port)
	assert.Equal(t, time.Unix(1_700_000_000, 0), peer.FirstSeen)
	assert.Equal(t, clock, peer.LastSeen)
}

func TestRegistryAddAcceptsPairingInput(t *testing.T) {
	var found []Peer
	registry := NewRegistry(func(peer Peer) { found = append(found, peer) })

	require.NoError(t, registry.Add(models.PeerAddress{Scheme: "tcp", Host: "10.0.0.3", Port: 4000, DeviceName: "Carol"}))
	assert.Error(t, registry.Add(models.PeerAddress{Host: "10.0.0.3", DeviceName: "Carol"}))

	require.Len(t, found, 1)
	assert.Equal(t, SourcePairing, found[0].Source)
}

func TestRegistryListSortedAndForget(t *testing.T) {
	registry := NewRegistry(nil)
	for _, name := range []string{"Carol", "Alice", "Bob"} {
		registry.Observe(models.PeerAddress{Host: "10.0.0.1", Port: 4000, DeviceName: name}, SourceBeacon)
	}

	names := func() []string {
		var out []string
		for _, peer := range registry.List() {
			out = append(out, peer.Address.DeviceName)
		}
		return out
	}
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, names())

	registry.Forget("Bob")
	assert.Equal(t, []string{"Alice", "Carol"}, names())
	assert.True(t, registry.Observe(models.PeerAddress{Host: "10.0.0.1", Port: 4000, DeviceName: "Bob"}, SourceBeacon))
}

func TestRegistryIgnoresNamelessPeers(t *testing.T) {
	registry := NewRegistry(nil)
	assert.False(t, registry.Observe(models.PeerAddress{Host: "10.0.0.1", Port: 4000}, SourceBeacon))
	assert.Zero(t, registry.Len())
}
