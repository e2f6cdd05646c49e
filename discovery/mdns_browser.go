package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"lanbeam/models"
)

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// MDNSBrowser periodically browses for peers and feeds them into a Registry.
type MDNSBrowser struct {
	cfg      MDNSConfig
	registry *Registry
	log      logrus.FieldLogger

	browse browseFunc

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewMDNSBrowser creates a browser with config defaults applied.
func NewMDNSBrowser(config MDNSConfig, registry *Registry, logger logrus.FieldLogger) (*MDNSBrowser, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	cfg := config.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &MDNSBrowser{
		cfg:             cfg,
		registry:        registry,
		log:             logger.WithField("component", "mdns"),
		browse:          browse,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing.
func (b *MDNSBrowser) Start() {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(1)
		go b.loop()
	})
}

// Stop ends background browsing and waits for the loop to exit.
func (b *MDNSBrowser) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

// Refresh triggers an immediate browse and waits for it to finish.
func (b *MDNSBrowser) Refresh(ctx context.Context) error {
	if b.ctx == nil {
		return errors.New("mdns browser is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case b.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("mdns browser is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("mdns browser is stopped")
	}
}

func (b *MDNSBrowser) loop() {
	defer b.wg.Done()

	b.logScan(b.runScan(context.Background()))

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.logScan(b.runScan(context.Background()))
		case req := <-b.refreshRequests:
			req.done <- b.runScan(req.ctx)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *MDNSBrowser) logScan(err error) {
	if err != nil {
		b.log.WithError(err).Warn("mdns browse failed")
	}
}

func (b *MDNSBrowser) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, b.cfg.DeviceName)
				if !ok {
					continue
				}
				if b.registry.Observe(peer, SourceMDNS) {
					b.log.WithField("peer", peer.DeviceName).Info("peer found")
				}
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfName string) (models.PeerAddress, bool) {
	txt := txtToMap(entry.Text)

	name := strings.TrimSpace(txt[txtDeviceName])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" || name == selfName {
		return models.PeerAddress{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	if len(addresses) == 0 {
		return models.PeerAddress{}, false
	}
	sort.Strings(addresses)

	scheme := txt[txtScheme]
	if scheme == "" {
		scheme = models.DefaultScheme
	}

	peer := models.PeerAddress{
		Scheme:     scheme,
		Host:       addresses[0],
		Port:       entry.Port,
		DeviceName: name,
	}
	if err := peer.Validate(); err != nil {
		return models.PeerAddress{}, false
	}
	return peer, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
