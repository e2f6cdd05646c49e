package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Print the pairing payload other devices can use to reach this one",
	Long: `Print the pairing payload other devices can use to reach this one.

The payload has the form scheme://host:port|name and can be encoded in a QR
code or passed to "lanbeam send --pair".`,
	Args: cobra.NoArgs,
	RunE: runPair,
}

func init() {
	rootCmd.AddCommand(pairCmd)
}

func runPair(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	node, err := newNode(rt, nil, nil)
	if err != nil {
		return err
	}
	defer node.Close()

	fingerprint, err := certificateFingerprint(rt)
	if err != nil {
		return err
	}

	fmt.Println(node.PairingPayload())
	fmt.Println(infoStyle.Render(fmt.Sprintf("Certificate: %s", fingerprint)))
	return nil
}
