package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lanbeam/crypto"
)

var peersWait time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List devices announcing themselves on the local network",
	Args:  cobra.NoArgs,
	RunE:  runPeers,
}

func init() {
	peersCmd.Flags().DurationVar(&peersWait, "wait", defaultDiscoveryWait, "how long to listen for beacons")
	rootCmd.AddCommand(peersCmd)
}

func runPeers(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	node, err := newNode(rt, nil, nil)
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.StartDiscovery(ctx); err != nil {
		return err
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf("Listening for %s...", peersWait)))
	peers, err := waitForPeers(ctx, node, peersWait, "")
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Nearby devices"))
	if len(peers) == 0 {
		fmt.Println(infoStyle.Render("  none answered"))
	}
	for _, peer := range peers {
		fmt.Printf("  %-24s %-22s %s\n", peer.Address.DeviceName, peer.Address.Addr(), infoStyle.Render(string(peer.Source)))
	}

	known, err := rt.store.ListPeers()
	if err != nil {
		return err
	}
	if len(known) == 0 {
		return nil
	}
	fmt.Println()
	fmt.Println(titleStyle.Render("Previously seen"))
	for _, entry := range known {
		seen := time.UnixMilli(entry.LastSeen).Format(time.DateTime)
		fmt.Printf("  %-24s %-22s %s\n", entry.DeviceName, fmt.Sprintf("%s:%d", entry.Host, entry.Port), infoStyle.Render(seen))
		if entry.CertFingerprint != "" {
			fmt.Printf("    pinned %s\n", codeStyle.Render(crypto.FormatFingerprint(entry.CertFingerprint)))
		}
	}
	return nil
}
