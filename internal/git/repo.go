// Package git resolves lock file paths against the enclosing git repository
// via the git CLI.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pbparthas/scriptlock/internal/errors"
)

// Repo handles git lookups for a working directory.
type Repo struct {
	dir string
}

// NewRepo creates a Repo rooted at dir; it need not be the top level.
func NewRepo(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the directory git commands run in.
func (r *Repo) Dir() string {
	return r.dir
}

// IsGitRepo checks if the directory is inside a git work tree.
func (r *Repo) IsGitRepo(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", r.dir, "rev-parse", "--is-inside-work-tree")
	return cmd.Run() == nil
}

// TopLevel returns the absolute path of the work tree root.
func (r *Repo) TopLevel(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %s", errors.ErrNotGitRepo, r.dir)
	}
	return filepath.Clean(out), nil
}

// Name returns the repository name, taken from the origin remote when one is
// configured and from the top level directory otherwise.
func (r *Repo) Name(ctx context.Context) (string, error) {
	if url, err := r.run(ctx, "remote", "get-url", "origin"); err == nil && url != "" {
		return RepoNameFromURL(url), nil
	}

	top, err := r.TopLevel(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Base(top), nil
}

// RelativePath rewrites path, absolute or relative to the Repo directory,
// as a slash-separated path relative to the work tree root.
func (r *Repo) RelativePath(ctx context.Context, path string) (string, error) {
	top, err := r.TopLevel(ctx)
	if err != nil {
		return "", err
	}

	abs := path
	if !filepath.IsAbs(abs) {
		dir, err := filepath.Abs(r.dir)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", r.dir, err)
		}
		abs = filepath.Join(dir, path)
	}

	// Compare resolved paths so symlinked temp dirs and the like line up.
	if resolved, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(resolved, filepath.Base(abs))
	}
	if resolved, err := filepath.EvalSymlinks(top); err == nil {
		top = resolved
	}

	rel, err := filepath.Rel(top, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errors.ErrOutsideRepo, path)
	}
	return filepath.ToSlash(rel), nil
}

// RepoNameFromURL extracts the repository name from a clone URL.
func RepoNameFromURL(url string) string {
	url = strings.TrimSuffix(strings.TrimSpace(url), "/")
	url = strings.TrimSuffix(url, ".git")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		url = url[i+1:]
	}
	return url
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}
