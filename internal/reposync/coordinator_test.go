package reposync_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clusterrunner/reposync/internal/project"
	"github.com/clusterrunner/reposync/internal/project/projecttest"
	"github.com/clusterrunner/reposync/internal/reposync"
	"github.com/clusterrunner/reposync/internal/testhelper"
	"github.com/clusterrunner/reposync/internal/testhelper/testcfg"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorFetchAll(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	logger, hook := testhelper.NewCapturingLogEntry(t)
	executor := projecttest.NewRecordingExecutor().
		On(`^git rev-parse FETCH_HEAD$`, projecttest.Response{Stdout: testCommit})

	coordinator := reposync.NewCoordinator(testcfg.Build(t),
		reposync.WithExecutor(executor),
		reposync.WithFilesystem(projecttest.NewFakeFilesystem()),
		reposync.WithLogger(logger),
	)

	specs := []reposync.RemoteSpec{
		{URL: "ssh://scm.example.com/first"},
		{URL: "ssh://scm.example.com/second", Ref: "develop"},
		{URL: "ssh://scm.example.com/third"},
	}

	syncs, err := coordinator.FetchAll(ctx, specs)
	require.NoError(t, err)
	require.Len(t, syncs, len(specs))

	for i, s := range syncs {
		require.Equal(t, specs[i].URL, s.Spec().URL)

		overrides, err := s.SlaveParamOverrides(ctx)
		require.NoError(t, err)
		require.Equal(t, "refs/clusterrunner/"+testCommit, overrides.Branch)
	}

	require.Equal(t, len(specs), executor.Count(`^git clone `))
	require.Equal(t, 1, executor.Count(`^git fetch --update-head-ok origin develop$`))

	correlationIDs := map[interface{}]struct{}{}
	for _, entry := range hook.AllEntries() {
		if entry.Message != "sync finished" {
			continue
		}
		require.NotEmpty(t, entry.Data["correlation_id"])
		correlationIDs[entry.Data["correlation_id"]] = struct{}{}
	}
	require.Len(t, correlationIDs, len(specs), "every sync gets its own correlation ID")
}

func TestCoordinatorFetchAllFailure(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	executor := projecttest.NewRecordingExecutor().
		On(`^git clone --origin origin ssh://scm.example.com/broken `, projecttest.Response{ExitCode: 128, Stderr: "fatal: repository not found"}).
		On(`^git rev-parse FETCH_HEAD$`, projecttest.Response{Stdout: testCommit})

	coordinator := reposync.NewCoordinator(testcfg.Build(t),
		reposync.WithExecutor(executor),
		reposync.WithFilesystem(projecttest.NewFakeFilesystem()),
		reposync.WithLogger(testhelper.NewDiscardingLogEntry(t)),
	)

	syncs, err := coordinator.FetchAll(ctx, []reposync.RemoteSpec{
		{URL: "ssh://scm.example.com/working"},
		{URL: "ssh://scm.example.com/broken"},
	})
	require.Nil(t, syncs)

	var cmdErr *project.CommandExecutionError
	require.True(t, errors.As(err, &cmdErr), "unexpected error: %v", err)
	require.Equal(t, 128, cmdErr.ExitCode)
}

func TestCoordinatorFetchProjectInvalidSpec(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	coordinator := reposync.NewCoordinator(testcfg.Build(t))

	_, err := coordinator.FetchProject(ctx, reposync.RemoteSpec{})
	require.Error(t, err)
}

// gatedExecutor holds back the first clone until release is closed and
// answers "git rev-parse FETCH_HEAD" with the commit of the ref fetched
// last.
type gatedExecutor struct {
	*projecttest.RecordingExecutor

	cloneStarted chan struct{}
	release      chan struct{}
	once         sync.Once

	mu      sync.Mutex
	commits map[string]string
	lastRef string
}

func newGatedExecutor(commits map[string]string) *gatedExecutor {
	return &gatedExecutor{
		RecordingExecutor: projecttest.NewRecordingExecutor(),
		cloneStarted:      make(chan struct{}),
		release:           make(chan struct{}),
		commits:           commits,
	}
}

func (e *gatedExecutor) Run(ctx context.Context, cmd project.Cmd) (*project.Result, error) {
	result, err := e.RecordingExecutor.Run(ctx, cmd)

	line := projecttest.CommandLine(cmd)
	switch {
	case strings.HasPrefix(line, "git clone "):
		first := false
		e.once.Do(func() { first = true })
		if first {
			close(e.cloneStarted)
			<-e.release
		}
	case strings.HasPrefix(line, "git fetch "):
		e.mu.Lock()
		e.lastRef = cmd.Args[len(cmd.Args)-1]
		e.mu.Unlock()
	case line == "git rev-parse FETCH_HEAD":
		e.mu.Lock()
		defer e.mu.Unlock()
		return &project.Result{Stdout: []byte(e.commits[e.lastRef] + "\n")}, nil
	}

	return result, err
}

type fetchResult struct {
	sync *reposync.Sync
	err  error
}

func TestCoordinatorSerializesRefsOfOneDirectory(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	executor := newGatedExecutor(map[string]string{
		"master":  "aaaaaaaaaa",
		"feature": "bbbbbbbbbb",
	})
	coordinator := reposync.NewCoordinator(testcfg.Build(t),
		reposync.WithExecutor(executor),
		reposync.WithFilesystem(projecttest.NewFakeFilesystem()),
		reposync.WithLogger(testhelper.NewDiscardingLogEntry(t)),
	)

	const url = "ssh://scm.example.com/shared"

	masterDone := make(chan fetchResult, 1)
	go func() {
		s, err := coordinator.FetchProject(ctx, reposync.RemoteSpec{URL: url})
		masterDone <- fetchResult{s, err}
	}()
	<-executor.cloneStarted

	featureDone := make(chan fetchResult, 1)
	go func() {
		s, err := coordinator.FetchProject(ctx, reposync.RemoteSpec{URL: url, Ref: "feature"})
		featureDone <- fetchResult{s, err}
	}()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, executor.Count(`^git `), "second ref must wait for the directory")
	close(executor.release)

	for _, tc := range []struct {
		desc   string
		done   chan fetchResult
		ref    string
		commit string
	}{
		{desc: "master", done: masterDone, ref: "master", commit: "aaaaaaaaaa"},
		{desc: "feature", done: featureDone, ref: "feature", commit: "bbbbbbbbbb"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			res := <-tc.done
			require.NoError(t, res.err)
			require.Equal(t, tc.ref, res.sync.Spec().Ref)

			overrides, err := res.sync.SlaveParamOverrides(ctx)
			require.NoError(t, err)
			require.Equal(t, "refs/clusterrunner/"+tc.commit, overrides.Branch)
		})
	}

	lines := executor.CommandLines()
	require.Equal(t, 2, executor.Count(`^git clone `))
	require.Less(t,
		indexOf(lines, "git update-ref refs/clusterrunner/aaaaaaaaaa"),
		indexOf(lines, "git fetch --update-head-ok origin feature"),
	)
}

func TestCoordinatorMergesIdenticalRequests(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	executor := newGatedExecutor(map[string]string{"master": testCommit})
	coordinator := reposync.NewCoordinator(testcfg.Build(t),
		reposync.WithExecutor(executor),
		reposync.WithFilesystem(projecttest.NewFakeFilesystem()),
		reposync.WithLogger(testhelper.NewDiscardingLogEntry(t)),
	)

	const url = "ssh://scm.example.com/shared"

	firstCtx, cancelFirst := context.WithCancel(ctx)
	defer cancelFirst()

	firstDone := make(chan fetchResult, 1)
	go func() {
		s, err := coordinator.FetchProject(firstCtx, reposync.RemoteSpec{URL: url})
		firstDone <- fetchResult{s, err}
	}()
	<-executor.cloneStarted

	// Spelled out defaults name the same remote and ref.
	secondDone := make(chan fetchResult, 1)
	go func() {
		s, err := coordinator.FetchProject(ctx, reposync.RemoteSpec{URL: url, RemoteName: "origin", Ref: "master"})
		secondDone <- fetchResult{s, err}
	}()
	time.Sleep(100 * time.Millisecond)

	// The first caller giving up neither aborts the shared synchronization
	// nor fails the second caller.
	cancelFirst()
	first := <-firstDone
	require.ErrorIs(t, first.err, context.Canceled)

	close(executor.release)
	second := <-secondDone
	require.NoError(t, second.err)
	require.Equal(t, "master", second.sync.Spec().Ref)

	overrides, err := second.sync.SlaveParamOverrides(ctx)
	require.NoError(t, err)
	require.Equal(t, "refs/clusterrunner/"+testCommit, overrides.Branch)

	require.Equal(t, 1, executor.Count(`^git clone `))
	require.Equal(t, 1, executor.Count(`^git update-ref `))
}
