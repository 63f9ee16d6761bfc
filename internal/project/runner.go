package project

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/clusterrunner/reposync/internal/command"
)

// ProjectDirEnv is exported to every command run in a project and points
// to the project directory.
const ProjectDirEnv = "PROJECT_DIR"

// Cmd describes a process to execute. Arguments are passed to the process
// as is and never interpreted by a shell.
type Cmd struct {
	Name string
	Args []string
	// Dir is the working directory of the process. If empty, the process
	// inherits the working directory of the caller.
	Dir string
	// Env holds variables set on top of the minimal base environment.
	Env map[string]string
	// InheritEnv exports the full environment of the caller instead of
	// the minimal base environment.
	InheritEnv bool
}

// String renders the command line for logs and errors.
func (c Cmd) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, part := range append([]string{c.Name}, c.Args...) {
		if part == "" || strings.ContainsAny(part, " \t\n\"'\\$") {
			part = strconv.Quote(part)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

// environ renders Env as KEY=value pairs in a stable order.
func (c Cmd) environ() []string {
	keys := make([]string, 0, len(c.Env))
	for key := range c.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		env = append(env, key+"="+c.Env[key])
	}
	return env
}

// Result is the outcome of a finished process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports whether the process exited with status 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// StdoutString decodes stdout. Invalid UTF-8 is replaced, never fatal.
func (r *Result) StdoutString() string {
	return decode(r.Stdout)
}

// StderrString decodes stderr. Invalid UTF-8 is replaced, never fatal.
func (r *Result) StderrString() string {
	return decode(r.Stderr)
}

func decode(output []byte) string {
	return strings.ToValidUTF8(string(output), "\uFFFD")
}

// Executor runs a command to completion. A non-zero exit status is
// reported through Result.ExitCode; the error is reserved for commands
// which could not be run at all.
type Executor interface {
	Run(ctx context.Context, cmd Cmd) (*Result, error)
}

// ProcessExecutor runs commands as child processes. Every child is placed
// into its own process group, which is sent SIGTERM once the child has
// exited or ctx is canceled. Output is captured in temporary files, so a
// background process the command leaves behind neither delays Run nor
// survives it.
type ProcessExecutor struct{}

// Run implements Executor.
func (ProcessExecutor) Run(ctx context.Context, c Cmd) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	execCmd := exec.Command(c.Name, c.Args...)
	execCmd.Dir = c.Dir

	env := c.environ()
	if c.InheritEnv {
		env = append(os.Environ(), env...)
	}

	stdout, err := newOutputFile("stdout")
	if err != nil {
		return nil, err
	}
	defer removeOutputFile(stdout)

	stderr, err := newOutputFile("stderr")
	if err != nil {
		return nil, err
	}
	defer removeOutputFile(stderr)

	cmd, err := command.New(ctx, execCmd, stdout, stderr, env...)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	if err := cmd.Wait(); err != nil {
		status, ok := command.ExitStatus(err)
		if !ok {
			return nil, fmt.Errorf("wait for %s: %w", c, err)
		}
		result.ExitCode = status
	}

	if result.Stdout, err = readOutputFile(stdout); err != nil {
		return nil, err
	}
	if result.Stderr, err = readOutputFile(stderr); err != nil {
		return nil, err
	}

	return result, nil
}

func newOutputFile(stream string) (*os.File, error) {
	f, err := os.CreateTemp("", "clusterrunner-"+stream+"-")
	if err != nil {
		return nil, fmt.Errorf("create %s file: %w", stream, err)
	}
	return f, nil
}

func readOutputFile(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind %s: %w", f.Name(), err)
	}

	output, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name(), err)
	}
	return output, nil
}

func removeOutputFile(f *os.File) {
	_ = f.Close()
	_ = os.Remove(f.Name())
}

// Runner executes commands on behalf of a project.
type Runner struct {
	projectDir string
	executor   Executor
	fs         Filesystem
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithExecutor replaces the ProcessExecutor used by default.
func WithExecutor(executor Executor) RunnerOption {
	return func(r *Runner) {
		r.executor = executor
	}
}

// WithFilesystem replaces the OSFilesystem used by default.
func WithFilesystem(fs Filesystem) RunnerOption {
	return func(r *Runner) {
		r.fs = fs
	}
}

// NewRunner returns a Runner for the project checked out at projectDir.
// The directory does not need to exist yet.
func NewRunner(projectDir string, opts ...RunnerOption) *Runner {
	r := &Runner{
		projectDir: projectDir,
		executor:   ProcessExecutor{},
		fs:         OSFilesystem,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ProjectDirectory returns the directory commands are run in.
func (r *Runner) ProjectDirectory() string {
	return r.projectDir
}

// ExecuteInProject runs the shell command line in the project directory
// and returns its result, whatever its exit status. PROJECT_DIR is
// exported to the command. If the project directory does not exist, the
// command runs in the caller's working directory.
func (r *Runner) ExecuteInProject(ctx context.Context, commandLine string) (*Result, error) {
	return r.Run(ctx, r.shellCmd(commandLine))
}

// ExecuteAndRaiseOnFailure is like ExecuteInProject, but returns a
// *CommandExecutionError if the command exits with a non-zero status.
func (r *Runner) ExecuteAndRaiseOnFailure(ctx context.Context, commandLine string) (*Result, error) {
	return r.RunAndRaiseOnFailure(ctx, r.shellCmd(commandLine))
}

func (r *Runner) shellCmd(commandLine string) Cmd {
	c := Cmd{
		Name:       "sh",
		Args:       []string{"-c", commandLine},
		Env:        map[string]string{ProjectDirEnv: r.projectDir},
		InheritEnv: true,
	}

	if r.projectDir != "" && r.fs.Exists(r.projectDir) {
		c.Dir = r.projectDir
	}

	return c
}

// Run executes cmd and returns its result, whatever its exit status.
func (r *Runner) Run(ctx context.Context, cmd Cmd) (*Result, error) {
	return r.executor.Run(ctx, cmd)
}

// RunAndRaiseOnFailure executes cmd and returns a *CommandExecutionError
// if it exits with a non-zero status. The result is returned in both cases.
func (r *Runner) RunAndRaiseOnFailure(ctx context.Context, cmd Cmd) (*Result, error) {
	result, err := r.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if !result.Success() {
		return result, &CommandExecutionError{
			Command:  cmd.String(),
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}
	}

	return result, nil
}
