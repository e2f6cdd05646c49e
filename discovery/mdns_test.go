package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAdvertiserBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := MDNSConfig{
		DeviceName:    "Alice Laptop",
		ListeningPort: 4000,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := StartAdvertiser(cfg)
	require.NoError(t, err, "StartAdvertiser failed")
	require.NotNil(t, advertiser)
	advertiser.Stop()

	assert.Equal(t, "Alice Laptop", gotInstance)
	assert.Equal(t, DefaultService, gotService)
	assert.Equal(t, DefaultDomain, gotDomain)
	assert.Equal(t, 4000, gotPort)
	assert.Contains(t, gotTXT, "device_name=Alice Laptop")
	assert.Contains(t, gotTXT, "scheme=tcp")
}

func TestStartAdvertiserValidatesConfig(t *testing.T) {
	_, err := StartAdvertiser(MDNSConfig{ListeningPort: 4000})
	assert.Error(t, err)
	_, err = StartAdvertiser(MDNSConfig{DeviceName: "Alice"})
	assert.Error(t, err)
}

func TestMDNSBrowserFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := MDNSConfig{
		DeviceName:      "Self",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("Self", 4000, "10.0.0.1")
			entries <- testServiceEntry("Bob", 4001, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("Carol", 4002, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	registry := NewRegistry(nil)
	browser, err := NewMDNSBrowser(cfg, registry, quietLogger())
	require.NoError(t, err, "NewMDNSBrowser failed")
	browser.Start()
	defer browser.Stop()

	assert.Eventually(t, func() bool {
		peers := registry.List()
		return len(peers) == 1 && peers[0].Address.DeviceName == "Bob"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, browser.Refresh(context.Background()))

	peers := registry.List()
	require.Len(t, peers, 2)
	assert.Equal(t, "Carol", peers[1].Address.DeviceName)
	assert.Equal(t, "10.0.0.3", peers[1].Address.Host)
	assert.Equal(t, 4002, peers[1].Address.Port)
	assert.Equal(t, SourceMDNS, peers[1].Source)
}

func TestMDNSBrowserRefreshBeforeStartFails(t *testing.T) {
	browser, err := NewMDNSBrowser(MDNSConfig{
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}, NewRegistry(nil), quietLogger())
	require.NoError(t, err)
	assert.Error(t, browser.Refresh(context.Background()))
}

func TestParseEntrySkipsEntriesWithoutIPv4(t *testing.T) {
	entry := testServiceEntry("Bob", 4001, "")
	_, ok := parseEntry(entry, "Self")
	assert.False(t, ok)
}

func testServiceEntry(name string, port int, ip string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(name, DefaultService, DefaultDomain)
	entry.Port = port
	entry.Text = []string{"device_name=" + name, "scheme=tcp"}
	if ip != "" {
		entry.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return entry
}
