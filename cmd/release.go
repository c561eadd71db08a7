package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/pbparthas/scriptlock/internal/errors"
	"github.com/pbparthas/scriptlock/internal/prompt"
)

var releaseCmd = &cobra.Command{
	Use:   "release <lock-id>",
	Short: "Release a lease you hold",
	Long: `Release a lease by its lock ID.

Releasing an already released lease is a no-op and reports the original
release time.`,
	Args: cobra.ExactArgs(1),
	RunE: runRelease,
}

var extendCmd = &cobra.Command{
	Use:   "extend <lock-id>",
	Short: "Extend a lease",
	Long: `Push a lease's expiry further into the future.

The extension is added to the current expiry, not to the current time.

Examples:
  scriptlock extend 3f2b8c1e-9a4d-4e7f-8b1a-2c3d4e5f6a7b --by 15m`,
	Args: cobra.ExactArgs(1),
	RunE: runExtend,
}

var forceReleaseCmd = &cobra.Command{
	Use:   "force-release <resource>",
	Short: "Release another owner's lease (admin)",
	Long: `Release the active lease on a resource regardless of who holds it.

The current holder is shown and confirmation is requested unless --yes is
given. Use this when a lease is stuck behind a crashed run.`,
	Args: cobra.ExactArgs(1),
	RunE: runForceRelease,
}

var (
	extendByFlag        time.Duration
	forceReleaseYesFlag bool
)

func init() {
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(extendCmd)
	rootCmd.AddCommand(forceReleaseCmd)

	extendCmd.Flags().DurationVar(&extendByFlag, "by", 15*time.Minute, "time to add to the current expiry")
	forceReleaseCmd.Flags().BoolVarP(&forceReleaseYesFlag, "yes", "y", false, "skip confirmation prompt")
}

func runRelease(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := a.manager.Release(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Released %s (lock %s)\n", l.ResourceID, l.ID)
	return nil
}

func runExtend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	l, err := a.manager.Extend(ctx, args[0], extendByFlag)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Extended %s until %s\n", l.ResourceID, l.ExpiresAt.Local().Format(timeLayout))
	return nil
}

func runForceRelease(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	resourceID := args[0]

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	current, err := a.manager.Check(ctx, resourceID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: no active lock on %s", apperrors.ErrLockNotFound, resourceID)
	}

	if !forceReleaseYesFlag {
		confirmed, err := prompt.ConfirmForceRelease(current, time.Now())
		if err != nil {
			return fmt.Errorf("confirmation failed (use --yes in non-interactive shells): %w", err)
		}
		if !confirmed {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	l, err := a.manager.ForceRelease(ctx, resourceID)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Force-released %s (was held by %s)\n", l.ResourceID, l.OwnerID)
	return nil
}
