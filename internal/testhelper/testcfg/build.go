// Package testcfg builds configurations pointing into temporary
// directories, so that tests never touch the user's real state.
package testcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clusterrunner/reposync/internal/config"
	"github.com/clusterrunner/reposync/internal/testhelper"
	"github.com/stretchr/testify/require"
)

// DefaultMasterHostname is the master hostname of built configurations.
const DefaultMasterHostname = "fake_hostname"

// Option is a configuration option for the builder.
type Option func(*Builder)

// WithBase allows use cfg as a template for start building on top of.
func WithBase(cfg config.Cfg) Option {
	return func(builder *Builder) {
		builder.cfg = cfg
	}
}

// WithRealGit resolves the git executable of the host instead of using a
// stub path. Tests which spawn git need this.
func WithRealGit() Option {
	return func(builder *Builder) {
		builder.realGit = true
	}
}

// Builder automates creation of the configuration and filesystem structure
// required by tests.
type Builder struct {
	cfg     config.Cfg
	realGit bool
}

// NewBuilder returns a configuration builder with configured set of options.
func NewBuilder(opts ...Option) Builder {
	var builder Builder
	for _, opt := range opts {
		opt(&builder)
	}
	return builder
}

// Build creates the base directory and returns a validated configuration.
func (b Builder) Build(t testing.TB) config.Cfg {
	t.Helper()

	cfg := b.cfg

	if cfg.BaseDirectory == "" {
		cfg.BaseDirectory = filepath.Join(t.TempDir(), "clusterrunner")
	}
	if cfg.RepoDirectory == "" {
		cfg.RepoDirectory = filepath.Join(cfg.BaseDirectory, "repos", "master")
	}
	if cfg.TimingsDirectory == "" {
		cfg.TimingsDirectory = filepath.Join(cfg.BaseDirectory, "timings")
	}
	if cfg.MasterHostname == "" {
		cfg.MasterHostname = DefaultMasterHostname
	}
	if len(cfg.Prometheus.SyncLatencyBuckets) == 0 {
		cfg.Prometheus.SyncLatencyBuckets = config.DefaultSyncLatencyBuckets
	}

	if cfg.Git.BinPath == "" {
		if b.realGit {
			cfg.Git.BinPath = testhelper.RequireGit(t)
		} else {
			// Validation only checks that the binary is executable, tests
			// replacing the executor never spawn it.
			cfg.Git.BinPath = filepath.Join(cfg.BaseDirectory, "bin", "git")
			testhelper.WriteExecutable(t, cfg.Git.BinPath, []byte("#!/bin/sh\nexit 1\n"))
		}
	}

	require.NoError(t, os.MkdirAll(cfg.BaseDirectory, 0700))
	require.NoError(t, cfg.Validate())

	return cfg
}

// Build returns a configuration built with the given options.
func Build(t testing.TB, opts ...Option) config.Cfg {
	t.Helper()
	return NewBuilder(opts...).Build(t)
}
