package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lanbeam/storage"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent transfers",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", storage.DefaultHistoryLimit, "maximum number of transfers to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	records, err := rt.store.ListTransfers(historyLimit)
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Transfer history"))
	if len(records) == 0 {
		fmt.Println(infoStyle.Render("  no transfers yet"))
		return nil
	}
	for _, record := range records {
		when := time.UnixMilli(record.UpdatedAt).Format(time.DateTime)
		peer := record.Peer
		if peer == "" {
			peer = "-"
		}
		fmt.Printf("  %s  %-7s %-20s %s\n", infoStyle.Render(when), record.Direction, peer, describeRecord(record))
	}
	return nil
}
