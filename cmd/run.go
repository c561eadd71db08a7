package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pbparthas/scriptlock/internal/lock"
	"github.com/pbparthas/scriptlock/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run <resource> [flags] -- <command> [args...]",
	Short: "Run a command while holding a lease",
	Long: `Acquire a lease on a resource, run a command, and release the lease when
the command exits.

While the command runs the lease is extended on every heartbeat. If the lease
is lost (force-released, or expired because the store was unreachable) the
command is killed. The command's exit status becomes scriptlock's exit status.

The command sees SCRIPTLOCK_LOCK_ID and SCRIPTLOCK_RESOURCE in its environment.

Examples:
  scriptlock run suite/login -- pytest tests/login_test.py
  scriptlock run etl --duration 10m --heartbeat 1m -- ./load_fixtures.sh
  scriptlock run staging-db --project billing -- make e2e`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

var (
	runOwnerFlag     string
	runProjectFlag   string
	runFileFlag      string
	runDurationFlag  time.Duration
	runHeartbeatFlag time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runOwnerFlag, "owner", "o", defaultOwner(), "lease owner")
	runCmd.Flags().StringVarP(&runProjectFlag, "project", "p", "", "project the resource belongs to")
	runCmd.Flags().StringVarP(&runFileFlag, "file", "f", "", "file path associated with the resource")
	runCmd.Flags().DurationVarP(&runDurationFlag, "duration", "d", 0, "lease duration (default lock.default-duration)")
	runCmd.Flags().DurationVar(&runHeartbeatFlag, "heartbeat", 0, "how often to extend the lease (default a third of the duration)")
}

// exitCodeError carries a child process's exit status out through Execute.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	resource, command := args[0], args[1:]
	if dash := cmd.ArgsLenAtDash(); dash > 1 {
		return fmt.Errorf("expected exactly one resource before --, got %d", dash)
	}

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	projectID, filePath, err := resolveFromGit(ctx, runProjectFlag, runFileFlag, false)
	if err != nil {
		return err
	}

	exe := orchestrator.NewExecutor(a.manager)
	res, err := exe.Run(ctx, orchestrator.RunOptions{
		Lease: lock.AcquireRequest{
			ResourceID: resource,
			OwnerID:    runOwnerFlag,
			ProjectID:  projectID,
			FilePath:   filePath,
			Duration:   runDurationFlag,
		},
		Command:   command,
		Heartbeat: runHeartbeatFlag,
		Stdin:     cmd.InOrStdin(),
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
		OnStatus: func(msg string) {
			fmt.Fprintln(cmd.ErrOrStderr(), msg)
		},
		OnVerbose: func(msg string) {
			printVerbose("%s", msg)
		},
	})
	if err != nil {
		return err
	}

	if res.ExitCode != 0 {
		cmd.SilenceErrors = true
		return &exitCodeError{code: res.ExitCode}
	}
	return nil
}
