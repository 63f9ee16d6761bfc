// Package projecttest provides in-memory stand-ins for the process and file
// system boundaries of the project package.
package projecttest

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/clusterrunner/reposync/internal/project"
)

// Response is the canned outcome of an intercepted command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err simulates a command which could not be spawned at all.
	Err error
}

type rule struct {
	pattern  *regexp.Regexp
	response Response
}

var _ project.Executor = &RecordingExecutor{}

// RecordingExecutor is a project.Executor which records every command and
// answers with canned responses instead of spawning processes. Commands
// which match no rule succeed with empty output.
type RecordingExecutor struct {
	mu    sync.Mutex
	rules []rule
	calls []project.Cmd
}

// NewRecordingExecutor returns a RecordingExecutor without any rules.
func NewRecordingExecutor() *RecordingExecutor {
	return &RecordingExecutor{}
}

// On registers the response for commands whose command line matches
// pattern. The command line is the base name of the binary followed by its
// arguments, e.g. "git rev-parse FETCH_HEAD". Rules are evaluated in the
// order they have been registered.
func (e *RecordingExecutor) On(pattern string, response Response) *RecordingExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = append(e.rules, rule{pattern: regexp.MustCompile(pattern), response: response})
	return e
}

// Run implements project.Executor.
func (e *RecordingExecutor) Run(ctx context.Context, cmd project.Cmd) (*project.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, cmd)

	line := CommandLine(cmd)
	for _, r := range e.rules {
		if !r.pattern.MatchString(line) {
			continue
		}

		if r.response.Err != nil {
			return nil, r.response.Err
		}

		return &project.Result{
			Stdout:   []byte(r.response.Stdout),
			Stderr:   []byte(r.response.Stderr),
			ExitCode: r.response.ExitCode,
		}, nil
	}

	return &project.Result{}, nil
}

// Calls returns all commands run so far.
func (e *RecordingExecutor) Calls() []project.Cmd {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]project.Cmd(nil), e.calls...)
}

// CommandLines returns the command lines of all commands run so far.
func (e *RecordingExecutor) CommandLines() []string {
	var lines []string
	for _, cmd := range e.Calls() {
		lines = append(lines, CommandLine(cmd))
	}
	return lines
}

// Count returns how many recorded command lines match pattern.
func (e *RecordingExecutor) Count(pattern string) int {
	re := regexp.MustCompile(pattern)

	count := 0
	for _, line := range e.CommandLines() {
		if re.MatchString(line) {
			count++
		}
	}
	return count
}

// CommandLine renders cmd the way rules are matched against it.
func CommandLine(cmd project.Cmd) string {
	return strings.Join(append([]string{filepath.Base(cmd.Name)}, cmd.Args...), " ")
}
