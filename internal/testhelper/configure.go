package testhelper

import (
	"fmt"
	"os"
	"testing"

	"github.com/clusterrunner/reposync/internal/log"
	"go.uber.org/goleak"
)

// Run sets up required testing state and executes the given test suite.
// After the suite has passed it verifies that neither child processes nor
// Goroutines have been leaked.
func Run(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	configure()

	code := m.Run()
	if code != 0 {
		return code
	}

	MustHaveNoChildProcess()

	if err := goleak.Find(); err != nil {
		fmt.Fprintf(os.Stderr, "goroutines leaked: %v\n", err)
		return 1
	}

	return 0
}

// configure silences the default loggers unless TEST_LOG_LEVEL asks for
// their output.
func configure() {
	level := os.Getenv("TEST_LOG_LEVEL")
	if level == "" {
		level = "panic"
	}

	if err := log.Configure(log.Loggers, "", level); err != nil {
		panic(err)
	}
}
