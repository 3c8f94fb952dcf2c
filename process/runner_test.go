package process

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("runner tests use a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

type collected struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
}

func (c *collected) add(stream Stream, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream == Stdout {
		c.stdout = append(c.stdout, line)
	} else {
		c.stderr = append(c.stderr, line)
	}
}

func TestRunnerStreamsLines(t *testing.T) {
	sh := requireShell(t)
	r := NewRunner(nil)

	var out collected
	err := r.Run(context.Background(), Command{
		Path: sh,
		Args: []string{"-c", `printf 'one\ntwo\rthree\n'; printf 'warn\n' >&2; printf 'bad \377 byte\n'`},
	}, out.add)

	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "bad � byte"}, out.stdout)
	assert.Equal(t, []string{"warn"}, out.stderr)
}

func TestRunnerExitCode(t *testing.T) {
	sh := requireShell(t)
	r := NewRunner(nil)

	err := r.Run(context.Background(), Command{
		Path: sh,
		Args: []string{"-c", `echo "fatal: no input" >&2; exit 3`},
	}, nil)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "exit status 3: fatal: no input", exitErr.Error())
}

func TestRunnerSpawnError(t *testing.T) {
	r := NewRunner(nil)
	err := r.Run(context.Background(), Command{Path: "/nonexistent/tool-binary"}, nil)

	var spawnErr *SpawnError
	assert.True(t, errors.As(err, &spawnErr))
}

func TestRunnerGracefulCancel(t *testing.T) {
	sh := requireShell(t)
	r := NewRunner(nil)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, Command{
			Path: sh,
			Args: []string{"-c", `echo ready; exec sleep 30`},
		}, func(Stream, string) { once.Do(func() { close(started) }) })
	}()

	<-started
	begin := time.Now()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrKilled)
		assert.Less(t, time.Since(begin), DefaultGracePeriod)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not return after cancel")
	}
}

func TestRunnerForcedKill(t *testing.T) {
	sh := requireShell(t)
	r := NewRunner(nil)
	r.GracePeriod = 200 * time.Millisecond
	r.KillWait = 2 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, Command{
			Path: sh,
			Args: []string{"-c", `trap '' TERM; echo ready; while :; do sleep 1; done`},
		}, func(Stream, string) { once.Do(func() { close(started) }) })
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrKilled)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not return after forced kill")
	}
}

func TestSplitByNewlineOrCR(t *testing.T) {
	adv, tok, err := splitByNewlineOrCR([]byte("abc\rdef"), false)
	require.NoError(t, err)
	assert.Equal(t, 4, adv)
	assert.Equal(t, "abc", string(tok))

	adv, tok, _ = splitByNewlineOrCR([]byte("\nx"), false)
	assert.Equal(t, 1, adv)
	assert.Nil(t, tok)

	adv, tok, _ = splitByNewlineOrCR([]byte("tail"), true)
	assert.Equal(t, 4, adv)
	assert.Equal(t, "tail", string(tok))
}
