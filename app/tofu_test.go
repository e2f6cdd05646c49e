package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanbeam/config"
	"lanbeam/crypto"
	"lanbeam/storage"
)

// newDefaultNode builds a node the way the CLI does: configuration and
// certificate come from a fresh data directory and nothing is injected.
func newDefaultNode(t *testing.T, name string, decide func(deviceName, fingerprint string) bool) *testNode {
	t.Helper()
	dataDir := t.TempDir()

	cfg, _, err := config.LoadOrCreateIn(dataDir)
	require.NoError(t, err)
	require.Empty(t, cfg.TrustedCAPath)
	cfg.DeviceName = name
	cfg.ListeningPort = freeTCPPort(t)
	cfg.DiscoveryPort = freeUDPPort(t)

	store, _, err := storage.Open(dataDir)
	require.NoError(t, err)

	ev := newEvents()
	node, err := New(Options{
		Config:        cfg,
		Store:         store,
		Logger:        quietLogger(),
		AdvertiseHost: "127.0.0.1",
		OnPeerIdentified: func(deviceName string) {
			ev.identified <- deviceName
		},
		OnDisconnected: func(err error) {
			ev.dropped <- err
		},
		OnNewPeerCertificate: decide,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, node.Close())
		assert.NoError(t, store.Close())
	})
	return &testNode{Node: node, events: ev, cfg: cfg, store: store}
}

func certificateOf(t *testing.T, node *testNode) string {
	t.Helper()
	cert, err := crypto.EnsureCertificate(node.cfg.CertPath, node.cfg.KeyPath, node.cfg.TLSServerName)
	require.NoError(t, err)
	return crypto.Fingerprint(cert.Certificate[0])
}

func pinnedFor(t *testing.T, node *testNode, deviceName string) string {
	t.Helper()
	entry, err := node.store.GetPeer(deviceName)
	require.NoError(t, err)
	return entry.CertFingerprint
}

func disconnectAndWait(t *testing.T, node, peer *testNode) {
	t.Helper()
	require.NoError(t, node.Disconnect())
	assert.Eventually(t, func() bool {
		return !node.Connected() && !peer.Connected()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDefaultNodesPinPeerCertificateOnFirstUse(t *testing.T) {
	alice := newDefaultNode(t, "Alice", nil)
	bob := newDefaultNode(t, "Bob", nil)

	ctx := context.Background()
	require.NoError(t, bob.Listen(ctx))
	require.NoError(t, alice.ConnectTo(ctx, bob.Endpoint()))
	assert.Equal(t, "Alice", waitFor(t, bob.events.identified, "bob to identify alice"))
	assert.Equal(t, "Bob", waitFor(t, alice.events.identified, "alice to identify bob"))
	assert.NotEmpty(t, alice.PairingCode())
	assert.Equal(t, alice.PairingCode(), bob.PairingCode())

	bobFingerprint := certificateOf(t, bob)
	assert.Equal(t, bobFingerprint, pinnedFor(t, alice, "Bob"))

	disconnectAndWait(t, alice, bob)
	require.NoError(t, alice.ConnectTo(ctx, bob.Endpoint()), "pinned certificate is accepted again")
	waitFor(t, alice.events.identified, "alice to identify bob again")
	disconnectAndWait(t, alice, bob)

	impostor := newDefaultNode(t, "Bob", nil)
	require.NoError(t, impostor.Listen(ctx))
	err := alice.ConnectTo(ctx, impostor.Endpoint())
	require.ErrorIs(t, err, crypto.ErrFingerprintMismatch)
	assert.False(t, alice.Connected())
	assert.Equal(t, bobFingerprint, pinnedFor(t, alice, "Bob"), "a mismatch must not replace the pin")

	require.NoError(t, alice.ForgetPeerCertificate("Bob"))
	require.NoError(t, alice.ConnectTo(ctx, impostor.Endpoint()))
	waitFor(t, alice.events.identified, "alice to identify the new bob")
	assert.Equal(t, certificateOf(t, impostor), pinnedFor(t, alice, "Bob"))
}

func TestDefaultNodeRejectsDeclinedCertificate(t *testing.T) {
	var asked []string
	alice := newDefaultNode(t, "Alice", func(deviceName, fingerprint string) bool {
		asked = append(asked, deviceName)
		assert.NotEmpty(t, fingerprint)
		return false
	})
	bob := newDefaultNode(t, "Bob", nil)

	ctx := context.Background()
	require.NoError(t, bob.Listen(ctx))
	err := alice.ConnectTo(ctx, bob.Endpoint())
	require.ErrorIs(t, err, ErrCertificateRejected)
	assert.Equal(t, []string{"Bob"}, asked)
	assert.False(t, alice.Connected())

	_, err = alice.store.GetPeer("Bob")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNodeWithoutStorePinsInMemory(t *testing.T) {
	bob := newDefaultNode(t, "Bob", nil)
	require.NoError(t, bob.Listen(context.Background()))

	cfg, _, err := config.LoadOrCreateIn(t.TempDir())
	require.NoError(t, err)
	cfg.DeviceName = "Alice"
	cfg.ListeningPort = freeTCPPort(t)
	cfg.DiscoveryPort = freeUDPPort(t)

	alice, err := New(Options{Config: cfg, Logger: quietLogger(), AdvertiseHost: "127.0.0.1"})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, alice.Close())
	})

	assert.ErrorIs(t, alice.ForgetPeerCertificate("Bob"), storage.ErrNotFound)
	require.NoError(t, alice.ConnectTo(context.Background(), bob.Endpoint()))
	waitFor(t, bob.events.identified, "bob to identify alice")

	alice.pinMu.Lock()
	pinned := alice.pins["Bob"]
	alice.pinMu.Unlock()
	assert.Equal(t, certificateOf(t, bob), pinned)
	assert.NoError(t, alice.ForgetPeerCertificate("Bob"))
}
