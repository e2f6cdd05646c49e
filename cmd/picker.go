package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"lanbeam/discovery"
)

var errNoPeers = errors.New("no peers found on the local network")

// choosePeer returns the peer named want, the only peer found, or asks the
// user to pick one when stdin is a terminal.
func choosePeer(peers []discovery.Peer, want string) (discovery.Peer, error) {
	if want != "" {
		for _, peer := range peers {
			if peer.Address.DeviceName == want {
				return peer, nil
			}
		}
		return discovery.Peer{}, fmt.Errorf("peer %q not found", want)
	}

	switch len(peers) {
	case 0:
		return discovery.Peer{}, errNoPeers
	case 1:
		return peers[0], nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return discovery.Peer{}, fmt.Errorf("%d peers found, pass --peer to pick one", len(peers))
	}

	options := make([]huh.Option[string], 0, len(peers))
	for _, peer := range peers {
		label := fmt.Sprintf("%s (%s)", peer.Address.DeviceName, peer.Address.Addr())
		options = append(options, huh.NewOption(label, peer.Address.DeviceName))
	}

	var selected string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Send to which device?").
				Options(options...).
				Value(&selected),
		),
	)
	if err := form.Run(); err != nil {
		return discovery.Peer{}, fmt.Errorf("peer selection: %w", err)
	}
	return choosePeer(peers, selected)
}
