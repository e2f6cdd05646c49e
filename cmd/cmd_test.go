package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanbeam/config"
	"lanbeam/discovery"
	"lanbeam/models"
)

func testPeer(name string, port int) discovery.Peer {
	return discovery.Peer{
		Address: models.PeerAddress{Scheme: models.DefaultScheme, Host: "192.168.1.20", Port: port, DeviceName: name},
		Source:  discovery.SourceBeacon,
	}
}

func TestChoosePeer(t *testing.T) {
	alice := testPeer("Alice Laptop", 4000)
	bob := testPeer("Bob Phone", 4001)

	t.Run("named peer", func(t *testing.T) {
		peer, err := choosePeer([]discovery.Peer{alice, bob}, "Bob Phone")
		require.NoError(t, err)
		assert.Equal(t, bob, peer)
	})

	t.Run("named peer missing", func(t *testing.T) {
		_, err := choosePeer([]discovery.Peer{alice}, "Carol")
		assert.ErrorContains(t, err, `"Carol" not found`)
	})

	t.Run("single peer picked", func(t *testing.T) {
		peer, err := choosePeer([]discovery.Peer{alice}, "")
		require.NoError(t, err)
		assert.Equal(t, alice, peer)
	})

	t.Run("no peers", func(t *testing.T) {
		_, err := choosePeer(nil, "")
		assert.ErrorIs(t, err, errNoPeers)
	})
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.0 KiB", humanBytes(1024))
	assert.Equal(t, "19.5 KiB", humanBytes(20000))
	assert.Equal(t, "3.0 MiB", humanBytes(3*1024*1024))
}

func TestApplyOverrides(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("name", "Desk")
	viper.Set("port", 4100)
	viper.Set("chunk-size", 4096)
	viper.Set("mdns", true)
	viper.Set("trusted-ca", "/etc/lanbeam/ca.pem")

	cfg := &config.DeviceConfig{DeviceName: "Old", ListeningPort: 4000, DiscoveryPort: 57143, ChunkSize: 8192}
	applyOverrides(cfg)

	assert.Equal(t, "Desk", cfg.DeviceName)
	assert.Equal(t, 4100, cfg.ListeningPort)
	assert.Equal(t, 57143, cfg.DiscoveryPort)
	assert.Equal(t, 4096, cfg.ChunkSize)
	assert.True(t, cfg.EnableMDNS)
	assert.Equal(t, "/etc/lanbeam/ca.pem", cfg.TrustedCAPath)
}

func TestDescribeRecord(t *testing.T) {
	failed := models.TransferRecord{Name: "a.txt", Direction: models.DirectionSend, Status: models.TransferFailed, Reason: "connection_lost"}
	assert.Contains(t, describeRecord(failed), "connection_lost")

	received := models.TransferRecord{Name: "a.txt", Size: 10, Direction: models.DirectionReceive, Status: models.TransferComplete, Path: "/tmp/a.txt"}
	assert.Contains(t, describeRecord(received), "/tmp/a.txt")
	assert.True(t, finished(received))
	assert.False(t, finished(models.TransferRecord{Status: models.TransferTransferring}))
}

func TestProgressViewTracksRecords(t *testing.T) {
	var out bytes.Buffer
	view := newProgressView(&out)

	record := models.TransferRecord{ID: "f1", Name: "photo.jpg", Size: 2048, Direction: models.DirectionReceive, Status: models.TransferPending}
	view.Record(record)
	view.Progress(models.DirectionReceive, 1024)

	record.Status = models.TransferComplete
	view.Record(record)

	view.Record(models.TransferRecord{ID: "f2", Name: "late.bin", Status: models.TransferFailed})

	view.Wait()
	assert.Empty(t, view.bars)
}
