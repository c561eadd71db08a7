package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <resource>",
	Short: "Show lease history for a resource",
	Long: `Show past and current leases on a resource, newest first.

Released and expired leases are kept as an audit trail.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var (
	historyLimitFlag int
	historyJSONFlag  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "n", 20, "number of leases to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSONFlag, "json", false, "output in JSON format")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	resourceID := args[0]

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	locks, err := a.manager.History(ctx, resourceID, historyLimitFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyJSONFlag {
		return writeJSON(out, locks)
	}

	if len(locks) == 0 {
		fmt.Fprintf(out, "No leases found for %q.\n", resourceID)
		return nil
	}

	fmt.Fprintf(out, "Lease history for %s:\n\n", resourceID)
	printLockTable(out, locks, time.Now(), 0)
	return nil
}
