package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pbparthas/scriptlock/internal/sweep"
)

var statusCmd = &cobra.Command{
	Use:   "status [resource]",
	Short: "Show lease status",
	Long: `Show the status of leases.

Without arguments, lists every active lease (optionally for one project).
With a resource, shows who holds it, or reports that it is free.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusProjectFlag string
	statusJSONFlag    bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusProjectFlag, "project", "p", "", "only show leases in this project")
	statusCmd.Flags().BoolVar(&statusJSONFlag, "json", false, "output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return showActiveLocks(cmd)
	}

	return showResourceStatus(cmd, args[0])
}

func showActiveLocks(cmd *cobra.Command) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	locks, err := a.manager.ListActive(ctx, statusProjectFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSONFlag {
		return writeJSON(out, locks)
	}

	if len(locks) == 0 {
		fmt.Fprintln(out, "No active locks.")
		return nil
	}

	printLockTable(out, locks, time.Now(), a.cfg.Sweep.WarnThreshold)

	if running, pid, err := sweep.Holder(a.cfg.DataDir); err == nil && running {
		printVerbose("Sweeper running for %s (PID %d)", a.cfg.DataDir, pid)
	}
	return nil
}

func showResourceStatus(cmd *cobra.Command, resourceID string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := a.manager.Check(ctx, resourceID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSONFlag {
		return writeJSON(out, l)
	}

	if l == nil {
		fmt.Fprintf(out, "%s is free.\n", resourceID)
		return nil
	}

	printLockDetail(out, l, time.Now())
	return nil
}
