package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pbparthas/scriptlock/internal/sweep"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Release expired leases",
	Long: `Mark every expired, unreleased lease as released.

Expired leases never block acquisition, so this only tidies status output and
history. "scriptlock watch" and "scriptlock serve" run it periodically.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var expiringCmd = &cobra.Command{
	Use:   "expiring",
	Short: "List leases about to expire",
	Long: `List active leases whose expiry falls within the given window.

Examples:
  scriptlock expiring                  # within 5 minutes
  scriptlock expiring --within 30m`,
	Args: cobra.NoArgs,
	RunE: runExpiring,
}

var (
	expiringWithinFlag time.Duration
	expiringJSONFlag   bool
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(expiringCmd)

	expiringCmd.Flags().DurationVarP(&expiringWithinFlag, "within", "w", sweep.DefaultWarnThreshold, "expiry window")
	expiringCmd.Flags().BoolVar(&expiringJSONFlag, "json", false, "output in JSON format")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.manager.CleanupExpiredLocks(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Released %d expired lock(s).\n", n)
	return nil
}

func runExpiring(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	locks, err := a.manager.ApproachingExpiry(ctx, expiringWithinFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if expiringJSONFlag {
		return writeJSON(out, locks)
	}

	if len(locks) == 0 {
		fmt.Fprintf(out, "No locks expire within %s.\n", expiringWithinFlag)
		return nil
	}

	printLockTable(out, locks, time.Now(), expiringWithinFlag)
	return nil
}
