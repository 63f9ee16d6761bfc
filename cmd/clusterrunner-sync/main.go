// Command clusterrunner-sync synchronizes a project checkout on a cluster
// node and runs commands inside of it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clusterrunner/reposync/internal/log"
	"github.com/clusterrunner/reposync/internal/version"
	"gitlab.com/gitlab-org/labkit/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	closer := tracing.Initialize(tracing.WithServiceName("clusterrunner-sync"))

	err := newRootCmd().ExecuteContext(ctx)

	closer.Close()
	stop()

	if err != nil {
		var exitErr *exitStatusError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.status)
		}

		log.Default().WithError(err).Error("clusterrunner-sync failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitStatusError makes the process exit with the status of a command it
// ran on behalf of the user.
type exitStatusError struct {
	status int
}

func (e *exitStatusError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.status)
}

func versionString() string {
	if buildTime := version.GetBuildTime(); buildTime != "" {
		return version.GetVersionString() + ", built " + buildTime
	}
	return version.GetVersionString()
}
