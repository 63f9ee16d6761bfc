// Package reposync keeps a local checkout of a remote repository in sync
// and derives the parameters workers use to fetch the very same commit from
// the master.
package reposync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/clusterrunner/reposync/internal/command"
	"github.com/clusterrunner/reposync/internal/config"
	"github.com/clusterrunner/reposync/internal/git"
	"github.com/clusterrunner/reposync/internal/log"
	"github.com/clusterrunner/reposync/internal/project"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
)

const (
	// DefaultRemoteName is used if a RemoteSpec names no remote.
	DefaultRemoteName = "origin"
	// DefaultRef is used if a RemoteSpec names no ref.
	DefaultRef = "master"
)

// RemoteSpec identifies what to synchronize.
type RemoteSpec struct {
	// URL may use any transport git supports.
	URL        string
	RemoteName string
	Ref        string
}

func (s RemoteSpec) withDefaults() RemoteSpec {
	if s.RemoteName == "" {
		s.RemoteName = DefaultRemoteName
	}
	if s.Ref == "" {
		s.Ref = DefaultRef
	}
	return s
}

func (s RemoteSpec) validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return errors.New("remote url is not set")
	}

	for name, value := range map[string]string{"url": s.URL, "remote name": s.RemoteName, "ref": s.Ref} {
		if strings.HasPrefix(value, "-") {
			return fmt.Errorf("%s %q cannot start with dash '-': %w", name, value, git.ErrInvalidArg)
		}
	}

	return nil
}

// State is the condition of the local checkout a sync starts from.
type State int

const (
	// StateAbsent means there is no checkout yet.
	StateAbsent State = iota
	// StatePresentHealthy means the checkout can be fetched into.
	StatePresentHealthy
	// StatePresentShallow means the checkout is a shallow clone. It is
	// replaced by a full clone.
	StatePresentShallow
	// StateCorrupt means the directory exists but git does not recognize
	// it as a repository. It is replaced by a fresh clone.
	StateCorrupt

	// stateUnknown is reported for syncs which failed before the
	// directory could be inspected.
	stateUnknown State = -1
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePresentHealthy:
		return "present_healthy"
	case StatePresentShallow:
		return "present_shallow"
	case StateCorrupt:
		return "corrupt"
	case stateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// RepoLocation describes where the checkout lives and what is on disk.
type RepoLocation struct {
	RepoDirectory string
	Exists        bool
	IsShallow     bool
}

// Sync synchronizes one RemoteSpec into its repository directory.
type Sync struct {
	cfg     config.Cfg
	spec    RemoteSpec
	repoDir string

	fs       project.Filesystem
	executor project.Executor
	runner   *project.Runner
	logger   *logrus.Entry
	metrics  *Metrics

	mu      sync.Mutex
	fetched bool
}

// Option configures a Sync.
type Option func(*Sync)

// WithExecutor runs all commands through executor.
func WithExecutor(executor project.Executor) Option {
	return func(s *Sync) {
		s.executor = executor
	}
}

// WithFilesystem inspects and mutates the repository directory through fs.
func WithFilesystem(fs project.Filesystem) Option {
	return func(s *Sync) {
		s.fs = fs
	}
}

// WithLogger sets the logger all messages and spawned commands are logged
// with.
func WithLogger(logger *logrus.Entry) Option {
	return func(s *Sync) {
		s.logger = logger
	}
}

// WithMetrics records every sync in metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Sync) {
		s.metrics = metrics
	}
}

// New returns a Sync for spec. Missing remote name and ref fall back to
// DefaultRemoteName and DefaultRef. The configuration is validated
// eagerly.
func New(cfg config.Cfg, spec RemoteSpec, opts ...Option) (*Sync, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	spec = spec.withDefaults()
	if err := spec.validate(); err != nil {
		return nil, err
	}

	s := &Sync{
		cfg:      cfg,
		spec:     spec,
		repoDir:  project.RepoDirectory(cfg.RepoDirectory, spec.URL),
		fs:       project.OSFilesystem,
		executor: project.ProcessExecutor{},
		logger:   log.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.runner = project.NewRunner(s.repoDir, project.WithExecutor(s.executor), project.WithFilesystem(s.fs))

	return s, nil
}

// Spec returns the RemoteSpec with defaults applied.
func (s *Sync) Spec() RemoteSpec {
	return s.spec
}

// Runner returns the Runner executing commands in the checkout.
func (s *Sync) Runner() *project.Runner {
	return s.runner
}

// Location returns the repository directory and what currently exists of
// it on disk.
func (s *Sync) Location() RepoLocation {
	exists := s.fs.Exists(s.repoDir)
	return RepoLocation{
		RepoDirectory: s.repoDir,
		Exists:        exists,
		IsShallow:     exists && s.fs.IsFile(git.ShallowMarkerPath(s.repoDir)),
	}
}

// TimingFilePath returns where timing data of suite is kept for this
// remote and ref.
func (s *Sync) TimingFilePath(suite string) string {
	return project.TimingFilePath(s.cfg.TimingsDirectory, s.spec.URL, s.spec.Ref, suite)
}

// State inspects the repository directory and reports the state the next
// FetchProject starts from. Failing checks are reported as states, only
// commands which cannot be run at all are returned as errors.
func (s *Sync) State(ctx context.Context) (State, error) {
	location := s.Location()
	if !location.Exists {
		return StateAbsent, nil
	}
	if location.IsShallow {
		return StatePresentShallow, nil
	}

	check, err := s.gitCmd(s.repoDir, git.SubCmd{Name: "rev-parse"})
	if err != nil {
		return 0, err
	}
	// Without a ceiling git would walk up and happily report an enclosing
	// repository as ours.
	check.Env["GIT_CEILING_DIRECTORIES"] = filepath.Dir(s.repoDir)

	result, err := s.runner.Run(ctx, check)
	if err != nil {
		return 0, err
	}
	if !result.Success() {
		return StateCorrupt, nil
	}

	return StatePresentHealthy, nil
}

// FetchProject brings the checkout up to date with the remote ref. Absent
// checkouts are cloned, shallow or corrupt ones are removed and cloned
// again. Afterwards the ref is fetched, the fetched commit is checked out
// and published below refs/clusterrunner/ for workers. Git failures are
// returned as *SyncError and never retried.
func (s *Sync) FetchProject(ctx context.Context) (returnedErr error) {
	ctx = command.ContextWithStats(ctx)

	logger := s.logger.WithFields(logrus.Fields{
		"url":      s.spec.URL,
		"remote":   s.spec.RemoteName,
		"ref":      s.spec.Ref,
		"repo_dir": s.repoDir,
	})
	if correlationID := correlation.ExtractFromContext(ctx); correlationID != "" {
		logger = logger.WithField("correlation_id", correlationID)
	}
	ctx = ctxlogrus.ToContext(ctx, logger)

	start := time.Now()
	state := stateUnknown

	defer func() {
		logger = logger.WithFields(command.StatsFromContext(ctx).Fields()).WithFields(logrus.Fields{
			"state":       state.String(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if returnedErr != nil {
			logger.WithError(returnedErr).Error("sync failed")
		} else {
			logger.Info("sync finished")
		}

		if s.metrics != nil {
			s.metrics.observe(state, time.Since(start), returnedErr)
		}
	}()

	observed, err := s.State(ctx)
	if err != nil {
		return &SyncError{Op: "state", Dir: s.repoDir, Err: err}
	}
	state = observed

	switch state {
	case StateAbsent:
		if err := s.clone(ctx); err != nil {
			return err
		}
	case StatePresentShallow, StateCorrupt:
		logger.WithField("state", state.String()).Warn("replacing unusable checkout")
		if err := s.reclone(ctx); err != nil {
			return err
		}
	case StatePresentHealthy:
	}

	if err := s.fetch(ctx); err != nil {
		return err
	}

	oid, err := s.pin(ctx)
	if err != nil {
		return err
	}
	logger = logger.WithField("commit", oid.String())

	s.mu.Lock()
	s.fetched = true
	s.mu.Unlock()

	return nil
}

func (s *Sync) clone(ctx context.Context) error {
	_, err := s.runGit(ctx, "", git.SubCmd{
		Name:  "clone",
		Flags: []git.Option{git.ValueFlag{Name: "--origin", Value: s.spec.RemoteName}},
		Args:  []string{s.spec.URL, s.repoDir},
	})
	return err
}

func (s *Sync) reclone(ctx context.Context) error {
	if err := s.fs.RemoveAll(s.repoDir); err != nil {
		return &SyncError{Op: "remove", Dir: s.repoDir, Err: err}
	}

	if err := s.fs.MkdirAll(s.repoDir, project.DirectoryPermissions); err != nil {
		return &SyncError{Op: "mkdir", Dir: s.repoDir, Err: err}
	}

	return s.clone(ctx)
}

func (s *Sync) fetch(ctx context.Context) error {
	result, err := s.runGit(ctx, s.repoDir, git.SubCmd{
		Name:  "fetch",
		Flags: []git.Option{git.Flag{Name: "--update-head-ok"}},
		Args:  []string{s.spec.RemoteName, s.spec.Ref},
	})
	if err != nil {
		return err
	}

	updates, err := git.ParseFetchStatus(result.Stderr)
	if err != nil {
		ctxlogrus.Extract(ctx).WithError(err).Warn("parsing fetch status")
		return nil
	}

	for _, update := range updates {
		logger := ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
			"from":    update.From,
			"to":      update.To,
			"summary": update.Summary,
		})
		if update.Failed() {
			logger.WithField("reason", update.Reason).Warn("fetch could not update ref")
			continue
		}
		logger.Debug("fetch updated ref")
	}
	command.StatsFromContext(ctx).Add("fetch_ref_updates", len(updates))

	return nil
}

// pin checks out the fetched commit and keeps it reachable through a
// reference of its own, so that workers can still fetch it after the
// remote ref moved on.
func (s *Sync) pin(ctx context.Context) (git.ObjectID, error) {
	oid, err := s.fetchHead(ctx)
	if err != nil {
		return "", err
	}

	if _, err := s.runGit(ctx, s.repoDir, git.SubCmd{
		Name:  "checkout",
		Flags: []git.Option{git.Flag{Name: "-f"}},
		Args:  []string{oid.String()},
	}); err != nil {
		return "", err
	}

	if _, err := s.runGit(ctx, s.repoDir, git.SubCmd{
		Name: "update-ref",
		Args: []string{git.NewClusterRunnerReference(oid).String(), oid.String()},
	}); err != nil {
		return "", err
	}

	return oid, nil
}

func (s *Sync) fetchHead(ctx context.Context) (git.ObjectID, error) {
	result, err := s.runGit(ctx, s.repoDir, git.SubCmd{
		Name: "rev-parse",
		Args: []string{"FETCH_HEAD"},
	})
	if err != nil {
		return "", err
	}

	oid, err := git.NewObjectIDFromHex(result.StdoutString())
	if err != nil {
		return "", &SyncError{Op: "rev-parse", Dir: s.repoDir, Err: err}
	}

	return oid, nil
}

func (s *Sync) runGit(ctx context.Context, dir string, sc git.SubCmd) (*project.Result, error) {
	cmd, err := s.gitCmd(dir, sc)
	if err != nil {
		return nil, &SyncError{Op: sc.Name, Dir: s.repoDir, Err: err}
	}

	command.StatsFromContext(ctx).Add("git_commands", 1)

	result, err := s.runner.RunAndRaiseOnFailure(ctx, cmd)
	if err != nil {
		return result, &SyncError{Op: sc.Name, Dir: s.repoDir, Err: err}
	}

	return result, nil
}

// gitCmd builds the invocation of sc. Every invocation carries the SSH
// host key checking policy, whether or not it talks to a remote.
func (s *Sync) gitCmd(dir string, sc git.SubCmd) (project.Cmd, error) {
	args, err := sc.CommandArgs()
	if err != nil {
		return project.Cmd{}, err
	}

	env := git.SSHEnv(s.cfg.Git.StrictHostKeyChecking)
	for _, kv := range command.GitEnv {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}

	return project.Cmd{
		Name: s.cfg.Git.BinPath,
		Args: args,
		Dir:  dir,
		Env:  env,
	}, nil
}
