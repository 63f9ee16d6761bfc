package testhelper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// InitRepo creates a repository at dir whose HEAD points to master,
// independent of the default branch configured for the host's git.
func InitRepo(t testing.TB, dir string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0755))
	MustRunGit(t, dir, "init", "--quiet")
	MustRunGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/master")
}

// CommitFile writes content to name in the repository at dir, commits it
// on the current branch and returns the new commit ID.
func CommitFile(t testing.TB, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	MustRunGit(t, dir, "add", "--", name)
	MustRunGit(t, dir, "commit", "--quiet", "--message", "update "+name)

	return MustRunGit(t, dir, "rev-parse", "HEAD")
}

// NewUpstream creates a repository with a single commit on master in a
// temporary directory. It returns the path of the repository and the ID of
// the commit.
func NewUpstream(t testing.TB) (string, string) {
	t.Helper()

	RequireGit(t)

	dir := filepath.Join(t.TempDir(), "upstream")
	InitRepo(t, dir)
	oid := CommitFile(t, dir, "README.md", "# upstream\n")

	return dir, oid
}
