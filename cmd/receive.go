package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lanbeam/app"
	"lanbeam/models"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Advertise this device and receive files until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runReceive,
}

func init() {
	rootCmd.AddCommand(receiveCmd)
}

func runReceive(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext()
	defer stop()

	view := newProgressView(os.Stdout)
	var node *app.Node
	node, err = newNode(rt, view, func(options *app.Options) {
		options.OnTransferRecordUpdated = func(record models.TransferRecord) {
			view.Record(record)
			if finished(record) {
				fmt.Println(describeRecord(record))
			}
		}
		options.OnPeerIdentified = func(deviceName string) {
			fmt.Println(successStyle.Render(fmt.Sprintf("Connected to %s", deviceName)))
			fmt.Println(infoStyle.Render("Pairing code, compare with the sender:"))
			fmt.Println(codeStyle.Render(node.PairingCode()))
		}
		options.OnDisconnected = func(err error) {
			if err != nil {
				fmt.Println(errorStyle.Render(fmt.Sprintf("Connection lost: %v", err)))
				return
			}
			fmt.Println(infoStyle.Render("Peer disconnected"))
		}
		options.OnDiscoveryError = func(err error) {
			fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("Discovery stopped: %v", err)))
		}
	})
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.Listen(ctx); err != nil {
		return err
	}

	fingerprint, err := certificateFingerprint(rt)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s is ready to receive", rt.cfg.DeviceName)))
	fmt.Println(infoStyle.Render(fmt.Sprintf("Listening on %s", node.Endpoint().Addr())))
	fmt.Println(infoStyle.Render(fmt.Sprintf("Pairing payload: %s", node.PairingPayload())))
	fmt.Println(infoStyle.Render(fmt.Sprintf("Certificate: %s", fingerprint)))
	fmt.Println(infoStyle.Render(fmt.Sprintf("Saving files to %s. Press Ctrl+C to stop.", rt.cfg.DownloadDir)))

	<-ctx.Done()
	view.Wait()
	fmt.Println(infoStyle.Render("Stopped"))
	return nil
}
