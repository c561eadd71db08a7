package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbparthas/scriptlock/internal/errors"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	repoPath := filepath.Join(t.TempDir(), "scripts-repo")
	require.NoError(t, os.MkdirAll(filepath.Join(repoPath, "tests", "e2e"), 0755))

	ctx := context.Background()
	require.NoError(t, exec.CommandContext(ctx, "git", "init", repoPath).Run())

	return repoPath
}

func TestRepo_IsGitRepo(t *testing.T) {
	repoPath := setupTestRepo(t)
	ctx := context.Background()

	t.Run("valid repo", func(t *testing.T) {
		assert.True(t, NewRepo(repoPath).IsGitRepo(ctx))
	})

	t.Run("subdirectory", func(t *testing.T) {
		assert.True(t, NewRepo(filepath.Join(repoPath, "tests")).IsGitRepo(ctx))
	})

	t.Run("plain directory", func(t *testing.T) {
		assert.False(t, NewRepo(t.TempDir()).IsGitRepo(ctx))
	})
}

func TestRepo_TopLevel(t *testing.T) {
	repoPath := setupTestRepo(t)
	ctx := context.Background()

	top, err := NewRepo(filepath.Join(repoPath, "tests", "e2e")).TopLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "scripts-repo", filepath.Base(top))

	_, err = NewRepo(t.TempDir()).TopLevel(ctx)
	assert.ErrorIs(t, err, errors.ErrNotGitRepo)
}

func TestRepo_RelativePath(t *testing.T) {
	repoPath := setupTestRepo(t)
	ctx := context.Background()
	sub := NewRepo(filepath.Join(repoPath, "tests"))

	tests := []struct {
		name    string
		repo    *Repo
		path    string
		want    string
		wantErr error
	}{
		{"relative from subdirectory", sub, "e2e/login_test.py", "tests/e2e/login_test.py", nil},
		{"dot segments stay inside", sub, "../README.md", "README.md", nil},
		{"absolute inside repo", NewRepo(repoPath), filepath.Join(repoPath, "tests", "a.py"), "tests/a.py", nil},
		{"escapes repo", sub, "../../elsewhere.py", "", errors.ErrOutsideRepo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.repo.RelativePath(ctx, tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("outside any repo", func(t *testing.T) {
		_, err := NewRepo(t.TempDir()).RelativePath(ctx, "a.py")
		assert.ErrorIs(t, err, errors.ErrNotGitRepo)
	})
}

func TestRepo_Name(t *testing.T) {
	repoPath := setupTestRepo(t)
	ctx := context.Background()
	repo := NewRepo(repoPath)

	name, err := repo.Name(ctx)
	require.NoError(t, err)
	assert.Equal(t, "scripts-repo", name)

	require.NoError(t, exec.CommandContext(ctx, "git", "-C", repoPath, "remote", "add", "origin", "git@github.com:acme/billing-tests.git").Run())

	name, err = repo.Name(ctx)
	require.NoError(t, err)
	assert.Equal(t, "billing-tests", name)
}

func TestRepoNameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://github.com/acme/billing-tests.git", "billing-tests"},
		{"https://github.com/acme/billing-tests/", "billing-tests"},
		{"git@github.com:acme/billing-tests.git", "billing-tests"},
		{"git@host:repo.git", "repo"},
		{"/srv/git/scripts", "scripts"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, RepoNameFromURL(tt.url))
		})
	}
}
