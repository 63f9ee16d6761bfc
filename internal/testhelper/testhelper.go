// Package testhelper contains helpers shared by the tests of all packages.
package testhelper

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clusterrunner/reposync/internal/command"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// ContextOpt returns a new context instance with the new additions to it.
type ContextOpt func(context.Context) (context.Context, func())

// ContextWithTimeout allows to set provided timeout to the context.
func ContextWithTimeout(duration time.Duration) ContextOpt {
	return func(ctx context.Context) (context.Context, func()) {
		return context.WithTimeout(ctx, duration)
	}
}

// ContextWithLogger allows to inject provided logger into the context.
func ContextWithLogger(logger *log.Entry) ContextOpt {
	return func(ctx context.Context) (context.Context, func()) {
		return ctxlogrus.ToContext(ctx, logger), func() {}
	}
}

// Context returns a cancellable context.
func Context(opts ...ContextOpt) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	cancels := make([]func(), len(opts)+1)
	cancels[0] = cancel
	for i, opt := range opts {
		ctx, cancel = opt(ctx)
		cancels[i+1] = cancel
	}

	return ctx, func() {
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}

// RequireGit skips the test if no git executable can be found and returns
// its path otherwise.
func RequireGit(t testing.TB) string {
	t.Helper()

	gitPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git is not installed")
	}
	return gitPath
}

// MustRunCommand runs a command with an optional working directory and
// returns the standard output, or fails. Git commands get a deterministic
// identity and date so that commits are reproducible.
func MustRunCommand(t testing.TB, dir string, name string, args ...string) []byte {
	t.Helper()

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if name == "git" {
		cmd.Env = append(os.Environ(), command.GitEnv...)
		cmd.Env = append(cmd.Env,
			"GIT_AUTHOR_NAME=Jane Doe",
			"GIT_AUTHOR_EMAIL=janedoe@example.com",
			"GIT_COMMITTER_NAME=Jane Doe",
			"GIT_COMMITTER_EMAIL=janedoe@example.com",
			"GIT_AUTHOR_DATE=1572776879 +0100",
			"GIT_COMMITTER_DATE=1572776879 +0100",
			"GIT_CONFIG_NOSYSTEM=1",
		)
	}

	output, err := cmd.Output()
	if err != nil {
		var stderr []byte
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = exitErr.Stderr
		}
		t.Log(name, args)
		t.Logf("%s", stderr)
		t.Fatal(err)
	}

	return output
}

// MustRunGit is a shortcut for MustRunCommand running git and returns the
// output with the trailing newline removed.
func MustRunGit(t testing.TB, dir string, args ...string) string {
	t.Helper()
	return strings.TrimSuffix(string(MustRunCommand(t, dir, "git", args...)), "\n")
}

// WriteExecutable ensures that the parent directory exists, and writes an executable with provided content
func WriteExecutable(t testing.TB, path string, content []byte) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, content, 0755))
}
