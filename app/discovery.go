package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"lanbeam/discovery"
)

// background is a group of discovery goroutines sharing one cancellation.
type background struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

func (b *background) stop() error {
	b.cancel()
	return b.group.Wait()
}

// reconcile re-applies the wanted discovery state after a connection change.
func (n *Node) reconcile() {
	n.discMu.Lock()
	defer n.discMu.Unlock()
	if err := n.reconcileLocked(n.ctx); err != nil {
		n.log.WithError(err).Warn("could not resume discovery")
	}
}

// reconcileLocked starts or stops advertising and listening so that they run
// only while wanted, not closed, and not connected to a peer.
func (n *Node) reconcileLocked(ctx context.Context) error {
	idle := !n.closed && !n.manager.Connected()

	if n.advertising != nil && !(idle && n.wantAdvertise) {
		n.stopBackground(n.advertising, "advertising")
		n.advertising = nil
	}
	if n.listening != nil && !(idle && n.wantListen) {
		n.stopBackground(n.listening, "discovery")
		n.listening = nil
	}

	var errs []error
	if n.advertising == nil && idle && n.wantAdvertise {
		bg, err := n.startAdvertising()
		if err != nil {
			errs = append(errs, err)
		}
		n.advertising = bg
	}
	if n.listening == nil && idle && n.wantListen {
		bg, err := n.startListening(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		n.listening = bg
	}
	return errors.Join(errs...)
}

func (n *Node) stopBackground(bg *background, what string) {
	if err := bg.stop(); err != nil && !errors.Is(err, context.Canceled) {
		n.log.WithError(err).WithField("task", what).Debug("background task ended with error")
	}
}

func (n *Node) startAdvertising() (*background, error) {
	endpoint := n.Endpoint()
	beacon, err := discovery.NewBeacon(discovery.BeaconOptions{
		Endpoint: endpoint,
		Port:     n.cfg.DiscoveryPort,
		Interval: n.cfg.BeaconInterval(),
		Targets:  n.opts.BeaconTargets,
		Logger:   n.log,
	})
	if err != nil {
		return nil, fmt.Errorf("start advertising: %w", err)
	}

	var advertiser *discovery.MDNSAdvertiser
	if n.cfg.EnableMDNS {
		advertiser, err = discovery.StartAdvertiser(discovery.MDNSConfig{
			DeviceName:    endpoint.DeviceName,
			ListeningPort: endpoint.Port,
			Scheme:        endpoint.Scheme,
		})
		if err != nil {
			n.log.WithError(err).Warn("mdns advertising unavailable")
		}
	}

	return n.spawn(
		n.reportingTask(beacon.Run),
		func(ctx context.Context) error {
			<-ctx.Done()
			advertiser.Stop()
			return nil
		},
	), nil
}

func (n *Node) startListening(ctx context.Context) (*background, error) {
	listener, err := discovery.Listen(ctx, discovery.ListenerOptions{
		Port:     n.cfg.DiscoveryPort,
		SelfName: n.cfg.DeviceName,
		Registry: n.registry,
		Logger:   n.log,
	})
	if err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}

	tasks := []func(context.Context) error{n.reportingTask(listener.Run)}
	if n.cfg.EnableMDNS {
		browser, err := discovery.NewMDNSBrowser(discovery.MDNSConfig{DeviceName: n.cfg.DeviceName}, n.registry, n.log)
		if err != nil {
			n.log.WithError(err).Warn("mdns browsing unavailable")
		} else {
			tasks = append(tasks, func(ctx context.Context) error {
				browser.Start()
				<-ctx.Done()
				browser.Stop()
				return nil
			})
		}
	}
	return n.spawn(tasks...), nil
}

func (n *Node) spawn(tasks ...func(context.Context) error) *background {
	ctx, cancel := context.WithCancel(n.ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		group.Go(func() error {
			return task(groupCtx)
		})
	}
	return &background{cancel: cancel, group: group}
}

// reportingTask surfaces fatal discovery errors to the collaborator.
func (n *Node) reportingTask(run func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		err := run(ctx)
		if err != nil {
			n.log.WithError(err).Error("discovery failed")
			if n.opts.OnDiscoveryError != nil {
				n.opts.OnDiscoveryError(err)
			}
		}
		return err
	}
}
