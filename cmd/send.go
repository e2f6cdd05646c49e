package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"lanbeam/app"
	"lanbeam/discovery"
	"lanbeam/models"
)

const (
	defaultDiscoveryWait = 3 * time.Second
	identifyTimeout      = 5 * time.Second
)

var (
	sendPeer string
	sendPair string
	sendWait time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send FILE",
	Short: "Send a file to a device on the local network",
	Long: `Send a file to a device on the local network.

The target is found by listening for beacons for --wait. With --peer the named
device is picked; otherwise a single device is picked automatically, or a list
is shown when several answer. --pair skips discovery and dials the device
described by a pairing payload.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendPeer, "peer", "", "device name of the receiver")
	sendCmd.Flags().StringVar(&sendPair, "pair", "", "pairing payload of the receiver (scheme://host:port|name)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", defaultDiscoveryWait, "how long to listen for beacons")
	sendCmd.MarkFlagsMutuallyExclusive("peer", "pair")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	path := args[0]
	if info, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot send %s: %w", path, err)
	} else if info.IsDir() {
		return fmt.Errorf("cannot send %s: is a directory", path)
	}

	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	view := newProgressView(os.Stdout)
	done := make(chan models.TransferRecord, 1)
	identified := make(chan string, 1)
	lost := make(chan error, 1)

	node, err := newNode(rt, view, func(options *app.Options) {
		options.OnTransferRecordUpdated = func(record models.TransferRecord) {
			view.Record(record)
			if record.Direction == models.DirectionSend && finished(record) {
				select {
				case done <- record:
				default:
				}
			}
		}
		options.OnPeerIdentified = func(deviceName string) {
			select {
			case identified <- deviceName:
			default:
			}
		}
		options.OnDisconnected = func(err error) {
			select {
			case lost <- err:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer node.Close()

	peer, err := resolveTarget(ctx, node)
	if err != nil {
		return err
	}

	fmt.Println(infoStyle.Render(fmt.Sprintf("Connecting to %s at %s", peer.DeviceName, peer.Addr())))
	if err := node.ConnectTo(ctx, peer); err != nil {
		return err
	}
	defer node.Disconnect()

	select {
	case name := <-identified:
		fmt.Println(successStyle.Render(fmt.Sprintf("Connected to %s", name)))
	case <-time.After(identifyTimeout):
		fmt.Println(infoStyle.Render("Peer did not identify itself, sending anyway"))
	case err := <-lost:
		return fmt.Errorf("connection closed before transfer: %v", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	fmt.Println(infoStyle.Render("Pairing code, compare with the receiver:"))
	fmt.Println(codeStyle.Render(node.PairingCode()))

	if _, err := node.SendFile(path); err != nil {
		return err
	}

	var record models.TransferRecord
	select {
	case record = <-done:
	case <-ctx.Done():
		_ = node.Disconnect()
		view.Wait()
		return ctx.Err()
	}
	view.Wait()

	fmt.Println(describeRecord(record))
	if record.Status == models.TransferFailed {
		return fmt.Errorf("transfer failed: %s", record.Reason)
	}
	return nil
}

// resolveTarget returns the peer from --pair, or discovers one.
func resolveTarget(ctx context.Context, node *app.Node) (models.PeerAddress, error) {
	if sendPair != "" {
		return node.AddPeer(sendPair)
	}

	if err := node.StartDiscovery(ctx); err != nil {
		return models.PeerAddress{}, err
	}
	defer node.StopDiscovery()

	fmt.Println(infoStyle.Render(fmt.Sprintf("Looking for devices for %s...", sendWait)))
	peers, err := waitForPeers(ctx, node, sendWait, sendPeer)
	if err != nil {
		return models.PeerAddress{}, err
	}

	peer, err := choosePeer(peers, sendPeer)
	if err != nil {
		if errors.Is(err, errNoPeers) {
			return models.PeerAddress{}, fmt.Errorf("%w, is the receiver running `lanbeam receive`?", err)
		}
		return models.PeerAddress{}, err
	}
	return peer.Address, nil
}

// waitForPeers collects peers for wait, returning early once want is seen.
func waitForPeers(ctx context.Context, node *app.Node, wait time.Duration, want string) ([]discovery.Peer, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return node.Peers(), nil
		case <-ticker.C:
			if want == "" {
				continue
			}
			for _, peer := range node.Peers() {
				if peer.Address.DeviceName == want {
					return node.Peers(), nil
				}
			}
		}
	}
}
