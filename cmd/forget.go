package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"lanbeam/storage"
)

var forgetCmd = &cobra.Command{
	Use:   "forget NAME",
	Short: "Forget the pinned certificate of a peer",
	Long: "Peers are trusted on first use: the first certificate a device presents is pinned and " +
		"later connections must present the same one. Run forget after a peer reinstalls or " +
		"regenerates its certificate.",
	Args: cobra.ExactArgs(1),
	RunE: runForget,
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}

func runForget(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	name := args[0]
	if err := rt.store.ForgetPeerCertificate(name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no known peer named %q", name)
		}
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("Forgot the certificate of %s", name)))
	return nil
}
