package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/tracing"
	"golang.org/x/sys/unix"
)

// GitEnv contains the ENV variables for git commands
var GitEnv = []string{
	// Force english locale for consistency on the output messages
	"LANG=en_US.UTF-8",
	// Never block on a credentials prompt on an unattended node
	"GIT_TERMINAL_PROMPT=0",
}

// exportedEnvVars contains a list of environment variables
// that are always exported to child processes on spawn
var exportedEnvVars = []string{
	"HOME",
	"PATH",
	"LD_LIBRARY_PATH",
	"TZ",
	"USER",

	// SSH agent forwarding for clones over ssh://
	"SSH_AUTH_SOCK",

	// Export git tracing variables for easier debugging
	"GIT_TRACE",
	"GIT_TRACE_PACK_ACCESS",
	"GIT_TRACE_PACKET",
	"GIT_TRACE_PERFORMANCE",
	"GIT_TRACE_SETUP",

	// Git HTTP proxy settings: https://git-scm.com/docs/git-config#git-config-httpproxy
	"all_proxy",
	"http_proxy",
	"HTTP_PROXY",
	"https_proxy",
	"HTTPS_PROXY",
	// libcurl settings: https://curl.haxx.se/libcurl/c/CURLOPT_NOPROXY.html
	"no_proxy",
	"NO_PROXY",
}

var envInjector = tracing.NewEnvInjector()

const (
	// maxStderrLogBytes is at most how many bytes of stderr are logged
	// when a command fails.
	maxStderrLogBytes = 10000 // 10kb
)

// Command is a child process spawned by New. It runs in a process group
// of its own, which is sent SIGTERM when the child exits or when the
// context that spawned it is done, whichever comes first.
type Command struct {
	cmd       *exec.Cmd
	context   context.Context
	startTime time.Time
	span      opentracing.Span

	// stderrFile is set when stderr went straight to a file, otherwise
	// stderrLog receives a copy of it.
	stderrFile *os.File
	stderrLog  *truncatingBuffer

	waitError error
	waitOnce  sync.Once
}

// Wait blocks until the child has exited and been reaped. The returned
// error carries the exit status, see ExitStatus.
func (c *Command) Wait() error {
	c.waitOnce.Do(c.wait)

	return c.waitError
}

var wg = &sync.WaitGroup{}

// WaitAllDone waits until every Command spawned by this package has been
// reaped.
func WaitAllDone() {
	wg.Wait()
}

type contextWithoutDonePanic string

// ErrNullByte is returned when an argument contains a null byte.
var ErrNullByte = errors.New("detected null byte in command argument")

// New starts cmd with stdout and stderr attached and returns once it is
// running. A nil writer discards the stream.
//
// Writers which are *os.File are handed to the child as they are. Wait
// then returns as soon as the child exits, even if processes it left
// behind still hold the descriptors. Any other writer is fed by a copying
// goroutine, and Wait also waits for every holder of the stream to close
// it.
//
// The child gets a minimal environment built from the allow-list above,
// followed by env. Later entries win, so env may override the allow-list.
func New(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Writer, env ...string) (*Command, error) {
	if ctx.Done() == nil {
		panic(contextWithoutDonePanic("command spawned with context without Done() channel"))
	}

	if err := checkNullArgv(cmd); err != nil {
		return nil, err
	}

	span, ctx := opentracing.StartSpanFromContext(
		ctx,
		cmd.Path,
		opentracing.Tag{Key: "args", Value: strings.Join(cmd.Args, " ")},
	)

	c := &Command{
		cmd:       cmd,
		context:   ctx,
		startTime: time.Now(),
		span:      span,
		stderrLog: newTruncatingBuffer(maxStderrLogBytes),
	}

	cmd.Env = envInjector(ctx, append(AllowedEnvironment(os.Environ()), env...))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = stdout

	switch w := stderr.(type) {
	case *os.File:
		c.stderrFile = w
		cmd.Stderr = w
	case nil:
		cmd.Stderr = c.stderrLog
	default:
		cmd.Stderr = io.MultiWriter(w, c.stderrLog)
	}

	if err := cmd.Start(); err != nil {
		span.Finish()
		return nil, fmt.Errorf("command: start %v: %w", cmd.Args, err)
	}
	inFlightCommandGauge.Inc()

	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"pid":  cmd.Process.Pid,
		"path": cmd.Path,
		"args": cmd.Args,
		"dir":  cmd.Dir,
	}).Debug("spawn")

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()
		c.terminateGroup()
		_ = c.Wait()
	}()

	return c, nil
}

// AllowedEnvironment filters the given slice of environment variables and
// returns all variables which are allowed per the variables defined above.
// This is useful for constructing a base environment in which a command can be
// run.
func AllowedEnvironment(envs []string) []string {
	var filtered []string

	for _, env := range envs {
		for _, exportedEnv := range exportedEnvVars {
			if strings.HasPrefix(env, exportedEnv+"=") {
				filtered = append(filtered, env)
			}
		}
	}

	return filtered
}

func (c *Command) wait() {
	c.waitError = c.cmd.Wait()

	// Whatever the child left running in its group goes with it.
	c.terminateGroup()
	inFlightCommandGauge.Dec()

	c.logProcessComplete()
}

func (c *Command) terminateGroup() {
	if process := c.cmd.Process; process != nil && process.Pid > 0 {
		_ = unix.Kill(-process.Pid, unix.SIGTERM)
	}
}

// ExitStatus will return the exit-code from an error returned by Wait().
func ExitStatus(err error) (int, bool) {
	var exitError *exec.ExitError
	if !errors.As(err, &exitError) {
		return 0, false
	}

	waitStatus, ok := exitError.Sys().(syscall.WaitStatus)
	if !ok {
		return 0, false
	}

	if waitStatus.Signaled() {
		// Mirror the shell convention for processes killed by a signal.
		return 128 + int(waitStatus.Signal()), true
	}

	return waitStatus.ExitStatus(), true
}

func (c *Command) logProcessComplete() {
	exitCode := 0
	if c.waitError != nil {
		if exitStatus, ok := ExitStatus(c.waitError); ok {
			exitCode = exitStatus
		}
	}

	ctx := c.context
	cmd := c.cmd

	systemTime := cmd.ProcessState.SystemTime()
	userTime := cmd.ProcessState.UserTime()
	realTime := time.Since(c.startTime)

	entry := ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"pid":                    cmd.ProcessState.Pid(),
		"path":                   cmd.Path,
		"args":                   cmd.Args,
		"command.exitCode":       exitCode,
		"command.system_time_ms": systemTime.Seconds() * 1000,
		"command.user_time_ms":   userTime.Seconds() * 1000,
		"command.real_time_ms":   realTime.Seconds() * 1000,
	})

	rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if ok {
		entry = entry.WithFields(logrus.Fields{
			"command.maxrss":  rusage.Maxrss,
			"command.inblock": rusage.Inblock,
			"command.oublock": rusage.Oublock,
		})
	}

	entry.Debug("spawn complete")
	if exitCode != 0 {
		if stderr := c.stderrText(); stderr != "" {
			entry.Warn(stderr)
		}
	}

	stats := StatsFromContext(ctx)
	stats.Add("command.count", 1)
	stats.Add("command.system_time_ms", int(systemTime.Seconds()*1000))
	stats.Add("command.user_time_ms", int(userTime.Seconds()*1000))
	stats.Add("command.real_time_ms", int(realTime.Seconds()*1000))
	if ok {
		stats.Max("command.maxrss", int(rusage.Maxrss))
		stats.Add("command.inblock", int(rusage.Inblock))
		stats.Add("command.oublock", int(rusage.Oublock))
	}

	c.span.LogKV(
		"pid", cmd.ProcessState.Pid(),
		"exit_code", exitCode,
		"system_time_ms", int(systemTime.Seconds()*1000),
		"user_time_ms", int(userTime.Seconds()*1000),
		"real_time_ms", int(realTime.Seconds()*1000),
	)
	c.span.Finish()
}

// Command arguments will be passed to the exec syscall as
// null-terminated C strings. That means the arguments themselves may not
// contain a null byte. The go stdlib checks for null bytes but it
// returns a cryptic error. This function returns a more explicit error.
func checkNullArgv(cmd *exec.Cmd) error {
	for _, arg := range cmd.Args {
		if strings.IndexByte(arg, 0) > -1 {
			// Use %q so that the null byte gets printed as \x00
			return fmt.Errorf("%w %q", ErrNullByte, arg)
		}
	}

	return nil
}

// stderrText returns the head of what the child wrote to stderr.
func (c *Command) stderrText() string {
	if c.stderrFile != nil {
		_, _ = io.Copy(c.stderrLog, io.NewSectionReader(c.stderrFile, 0, maxStderrLogBytes+1))
	}
	return c.stderrLog.String()
}

// Pid returns the process ID of the child, which is also the ID of its
// process group.
func (c *Command) Pid() int {
	return c.cmd.Process.Pid
}
