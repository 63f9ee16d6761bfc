package reposync_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clusterrunner/reposync/internal/config"
	"github.com/clusterrunner/reposync/internal/git"
	"github.com/clusterrunner/reposync/internal/project"
	"github.com/clusterrunner/reposync/internal/reposync"
	"github.com/clusterrunner/reposync/internal/testhelper"
	"github.com/clusterrunner/reposync/internal/testhelper/testcfg"
	"github.com/stretchr/testify/require"
)

func newRealSync(t *testing.T, cfg config.Cfg, url string) *reposync.Sync {
	t.Helper()

	s, err := reposync.New(cfg, reposync.RemoteSpec{URL: url},
		reposync.WithLogger(testhelper.NewDiscardingLogEntry(t)),
	)
	require.NoError(t, err)
	return s
}

func requireCheckedOut(t *testing.T, repoDir, oid string) {
	t.Helper()

	require.Equal(t, oid, testhelper.MustRunGit(t, repoDir, "rev-parse", "HEAD"))
	require.Equal(t, oid, testhelper.MustRunGit(t, repoDir, "rev-parse", "refs/clusterrunner/"+oid))
	require.NoFileExists(t, git.ShallowMarkerPath(repoDir))
}

func TestFetchProjectWithGit(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	upstream, oid := testhelper.NewUpstream(t)
	cfg := testcfg.Build(t, testcfg.WithRealGit())
	s := newRealSync(t, cfg, upstream)
	repoDir := s.Location().RepoDirectory

	state, err := s.State(ctx)
	require.NoError(t, err)
	require.Equal(t, reposync.StateAbsent, state)

	require.NoError(t, s.FetchProject(ctx))
	requireCheckedOut(t, repoDir, oid)

	overrides, err := s.SlaveParamOverrides(ctx)
	require.NoError(t, err)
	require.Equal(t, "refs/clusterrunner/"+oid, overrides.Branch)
	require.Equal(t, "ssh://"+testcfg.DefaultMasterHostname+"/"+strings.TrimPrefix(repoDir, "/"), overrides.URL)

	newOID := testhelper.CommitFile(t, upstream, "CHANGELOG.md", "v2\n")

	state, err = s.State(ctx)
	require.NoError(t, err)
	require.Equal(t, reposync.StatePresentHealthy, state)

	require.NoError(t, s.FetchProject(ctx))
	requireCheckedOut(t, repoDir, newOID)

	// The commit resolved by the first sync stays reachable for workers.
	require.Equal(t, oid, testhelper.MustRunGit(t, repoDir, "rev-parse", "refs/clusterrunner/"+oid))
}

func TestFetchProjectWithGitReplacesShallowClone(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	upstream, _ := testhelper.NewUpstream(t)
	testhelper.CommitFile(t, upstream, "a.txt", "a\n")
	oid := testhelper.CommitFile(t, upstream, "b.txt", "b\n")

	cfg := testcfg.Build(t, testcfg.WithRealGit())
	s := newRealSync(t, cfg, upstream)
	repoDir := s.Location().RepoDirectory

	testhelper.MustRunGit(t, "", "clone", "--quiet", "--depth", "1", "file://"+upstream, repoDir)
	require.FileExists(t, git.ShallowMarkerPath(repoDir))

	state, err := s.State(ctx)
	require.NoError(t, err)
	require.Equal(t, reposync.StatePresentShallow, state)

	require.NoError(t, s.FetchProject(ctx))
	requireCheckedOut(t, repoDir, oid)

	commits := testhelper.MustRunGit(t, repoDir, "rev-list", "--count", "HEAD")
	require.Equal(t, "3", commits)
}

func TestFetchProjectWithGitReplacesCorruptRepository(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	upstream, oid := testhelper.NewUpstream(t)
	cfg := testcfg.Build(t, testcfg.WithRealGit())
	s := newRealSync(t, cfg, upstream)
	repoDir := s.Location().RepoDirectory

	require.NoError(t, os.MkdirAll(repoDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "leftover"), []byte("garbage"), 0600))

	state, err := s.State(ctx)
	require.NoError(t, err)
	require.Equal(t, reposync.StateCorrupt, state)

	require.NoError(t, s.FetchProject(ctx))
	requireCheckedOut(t, repoDir, oid)
	require.NoFileExists(t, filepath.Join(repoDir, "leftover"))
}

func TestFetchProjectWithGitMissingUpstream(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	testhelper.RequireGit(t)
	cfg := testcfg.Build(t, testcfg.WithRealGit())
	s := newRealSync(t, cfg, filepath.Join(t.TempDir(), "does-not-exist"))

	err := s.FetchProject(ctx)

	var cmdErr *project.CommandExecutionError
	require.True(t, errors.As(err, &cmdErr), "unexpected error: %v", err)
	require.NotZero(t, cmdErr.ExitCode)
	require.NotEmpty(t, cmdErr.Stderr)

	_, err = s.SlaveParamOverrides(ctx)
	require.Equal(t, reposync.ErrNotFetched, err)
}

func TestExecuteInProjectWithGit(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	upstream, _ := testhelper.NewUpstream(t)
	cfg := testcfg.Build(t, testcfg.WithRealGit())
	s := newRealSync(t, cfg, upstream)
	require.NoError(t, s.FetchProject(ctx))

	result, err := s.Runner().ExecuteAndRaiseOnFailure(ctx, `cat README.md && echo "$PROJECT_DIR"`)
	require.NoError(t, err)
	require.Equal(t, "# upstream\n"+s.Location().RepoDirectory+"\n", result.StdoutString())
}

func TestFetchProjectWithGitCustomRemoteName(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	upstream, oid := testhelper.NewUpstream(t)
	cfg := testcfg.Build(t, testcfg.WithRealGit())

	s, err := reposync.New(cfg, reposync.RemoteSpec{URL: upstream, RemoteName: "upstream", Ref: "refs/heads/master"},
		reposync.WithLogger(testhelper.NewDiscardingLogEntry(t)),
	)
	require.NoError(t, err)

	require.NoError(t, s.FetchProject(ctx))
	requireCheckedOut(t, s.Location().RepoDirectory, oid)

	// A second sync fetches into the existing checkout through the same remote.
	require.NoError(t, s.FetchProject(ctx))
	require.Equal(t, "upstream", testhelper.MustRunGit(t, s.Location().RepoDirectory, "remote"))
}
