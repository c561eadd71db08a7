package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/pbparthas/scriptlock/internal/errors"
	"github.com/pbparthas/scriptlock/internal/git"
	"github.com/pbparthas/scriptlock/internal/lock"
)

var acquireCmd = &cobra.Command{
	Use:   "acquire <resource>",
	Short: "Acquire a lease on a resource",
	Long: `Acquire an exclusive, time-bounded lease on a resource.

If the resource is free, or its previous lease has expired, a new lease is
granted. If you already hold an active lease on it, that lease is returned
unchanged. If someone else holds it, the command fails.

Examples:
  scriptlock acquire suite/login --owner alice
  scriptlock acquire etl-fixtures --project billing --duration 1h
  scriptlock acquire etl --file jobs/etl_test.py --json
  scriptlock acquire login --file ./login_test.py --project-from-git

Inside a git repository --file is stored relative to the repository root.`,
	Args: cobra.ExactArgs(1),
	RunE: runAcquire,
}

var (
	acquireOwnerFlag    string
	acquireProjectFlag  string
	acquireFileFlag     string
	acquireDurationFlag time.Duration
	acquireJSONFlag     bool
	acquireGitFlag      bool
)

func init() {
	rootCmd.AddCommand(acquireCmd)

	acquireCmd.Flags().StringVarP(&acquireOwnerFlag, "owner", "o", defaultOwner(), "lease owner")
	acquireCmd.Flags().StringVarP(&acquireProjectFlag, "project", "p", "", "project the resource belongs to")
	acquireCmd.Flags().StringVarP(&acquireFileFlag, "file", "f", "", "file path associated with the resource")
	acquireCmd.Flags().DurationVarP(&acquireDurationFlag, "duration", "d", 0, "lease duration (default lock.default-duration)")
	acquireCmd.Flags().BoolVar(&acquireJSONFlag, "json", false, "output in JSON format")
	acquireCmd.Flags().BoolVar(&acquireGitFlag, "project-from-git", false, "default --project to the enclosing git repository name")
}

func runAcquire(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	projectID, filePath, err := resolveFromGit(ctx, acquireProjectFlag, acquireFileFlag, acquireGitFlag)
	if err != nil {
		return err
	}

	l, err := a.manager.Acquire(ctx, lock.AcquireRequest{
		ResourceID: args[0],
		OwnerID:    acquireOwnerFlag,
		ProjectID:  projectID,
		FilePath:   filePath,
		Duration:   acquireDurationFlag,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if acquireJSONFlag {
		return writeJSON(out, l)
	}

	fmt.Fprintf(out, "Acquired %s until %s\n\n", l.ResourceID, l.ExpiresAt.Local().Format(timeLayout))
	printLockDetail(out, l, time.Now())
	return nil
}

// resolveFromGit rewrites filePath relative to the enclosing git repository
// so every checkout names a file the same way. Outside a repository the
// inputs are returned unchanged.
func resolveFromGit(ctx context.Context, projectID, filePath string, projectFromGit bool) (string, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return projectID, filePath, nil
	}

	repo := git.NewRepo(wd)
	if !repo.IsGitRepo(ctx) {
		if projectFromGit && projectID == "" {
			return "", "", fmt.Errorf("--project-from-git: %w: %s", apperrors.ErrNotGitRepo, wd)
		}
		return projectID, filePath, nil
	}

	if filePath != "" {
		rel, err := repo.RelativePath(ctx, filePath)
		if err != nil {
			return "", "", err
		}
		printVerbose("Resolved %s to %s", filePath, rel)
		filePath = rel
	}

	if projectFromGit && projectID == "" {
		name, err := repo.Name(ctx)
		if err != nil {
			return "", "", err
		}
		projectID = name
	}

	return projectID, filePath, nil
}

// defaultOwner identifies the invoking user when --owner is not given.
func defaultOwner() string {
	for _, env := range []string{"SCRIPTLOCK_OWNER", "USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
