package command

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewCommandWritesToFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, hook := test.NewNullLogger()
	ctx = ctxlogrus.ToContext(ctx, logrus.NewEntry(logger))

	dir := t.TempDir()
	stdout, err := os.Create(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(dir, "stderr"))
	require.NoError(t, err)
	defer stderr.Close()

	cmd, err := New(ctx, exec.Command("sh", "-c", "echo hello; echo broken >&2; exit 3"), stdout, stderr)
	require.NoError(t, err)

	status, ok := ExitStatus(cmd.Wait())
	require.True(t, ok)
	require.Equal(t, 3, status)

	output, err := os.ReadFile(stdout.Name())
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(output))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.Equal(t, "broken\n", entry.Message)
}

func TestNewCommandExtraEnvOverridesAllowList(t *testing.T) {
	t.Setenv("HOME", "/home/original")
	t.Setenv("SOME_SECRET", "do-not-export")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout bytes.Buffer
	cmd, err := New(ctx, exec.Command("env"), &stdout, nil, "HOME=/home/override", "PROJECT_DIR=/proj")
	require.NoError(t, err)
	require.NoError(t, cmd.Wait())

	env := stdout.String()
	require.Contains(t, env, "HOME=/home/override\n")
	require.NotContains(t, env, "HOME=/home/original")
	require.Contains(t, env, "PROJECT_DIR=/proj\n")
	require.NotContains(t, env, "SOME_SECRET")
}

func TestNewCommandRunsInOwnProcessGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd, err := New(ctx, exec.Command("sleep", "10"), io.Discard, nil)
	require.NoError(t, err)

	pgid, err := unix.Getpgid(cmd.Pid())
	require.NoError(t, err)
	require.Equal(t, cmd.Pid(), pgid)

	cancel()
	require.Error(t, cmd.Wait())
}

func TestNewCommandCancellationTerminatesProcessTree(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	// The shell spawns a grandchild that would outlive a plain kill of the
	// shell itself.
	cmd, err := New(ctx, exec.Command("sh", "-c", "sleep 30 & echo $!; wait"), w, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reader := bufio.NewReader(r)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	cancel()
	err = cmd.Wait()
	require.Error(t, err)

	status, ok := ExitStatus(err)
	require.True(t, ok)
	require.Equal(t, 128+int(unix.SIGTERM), status)

	requireClosedWithin(t, reader, 20*time.Second)
}

func TestNewCommandTerminatesLeftoversOnExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	cmd, err := New(ctx, exec.Command("sh", "-c", "sleep 30 & echo started"), w, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	start := time.Now()
	require.NoError(t, cmd.Wait())
	require.Less(t, time.Since(start), 20*time.Second)

	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "started\n", line)

	// The sleeper holds the write end until it is gone.
	requireClosedWithin(t, reader, 20*time.Second)
}

func requireClosedWithin(t *testing.T, r io.Reader, timeout time.Duration) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, r)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("stream still held open by a leftover process")
	}
}

func TestNewCommandNullInArg(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := New(ctx, exec.Command("sh", "-c", "hello\x00world"), nil, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNullByte)
	require.Contains(t, err.Error(), `"hello\x00world"`)
}

func TestNewCommandWithoutDoneChannelPanics(t *testing.T) {
	require.PanicsWithValue(t, contextWithoutDonePanic("command spawned with context without Done() channel"), func() {
		_, _ = New(context.Background(), exec.Command("true"), nil, nil)
	})
}

func TestNewCommandStartFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := New(ctx, exec.Command("/does/not/exist"), nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "command: start")
}

func TestExitStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stderr bytes.Buffer
	cmd, err := New(ctx, exec.Command("sh", "-c", "echo broken >&2; exit 3"), io.Discard, &stderr)
	require.NoError(t, err)

	err = cmd.Wait()
	status, ok := ExitStatus(err)
	require.True(t, ok)
	require.Equal(t, 3, status)
	require.Equal(t, "broken\n", stderr.String())

	_, ok = ExitStatus(nil)
	require.False(t, ok)
}

func TestCommandStats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = ContextWithStats(ctx)

	for i := 0; i < 2; i++ {
		cmd, err := New(ctx, exec.Command("true"), io.Discard, nil)
		require.NoError(t, err)
		require.NoError(t, cmd.Wait())
	}

	stats := StatsFromContext(ctx)
	require.NotNil(t, stats)
	require.Equal(t, 2, stats.Fields()["command.count"])
}

func TestAllowedEnvironment(t *testing.T) {
	require.Equal(t, []string{
		"HOME=/home/user",
		"PATH=/bin",
		"SSH_AUTH_SOCK=/tmp/agent",
	}, AllowedEnvironment([]string{
		"HOME=/home/user",
		"PATHOLOGICAL=1",
		"PATH=/bin",
		"AWS_SECRET_ACCESS_KEY=secret",
		"SSH_AUTH_SOCK=/tmp/agent",
	}))
}
