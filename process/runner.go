// Package process spawns external tools, streams their output line by line
// and terminates them in two stages on cancellation.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

const (
	DefaultGracePeriod = 5 * time.Second
	DefaultKillWait    = 5 * time.Second

	maxLineSize = 1024 * 1024
	stderrKeep  = 4096
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineFunc receives one decoded output line. Calls are serialized.
type LineFunc func(stream Stream, line string)

type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Executor runs a command to completion. *Runner is the production
// implementation; tests substitute canned output.
type Executor interface {
	Run(ctx context.Context, cmd Command, onLine LineFunc) error
}

var (
	// ErrKilled is returned when the child was stopped because ctx ended.
	ErrKilled = errors.New("process killed")
	// ErrForcedTerminateTimeout is returned when the child outlived the
	// forced kill deadline.
	ErrForcedTerminateTimeout = errors.New("forced-terminate-timeout")
)

// SpawnError means the child never started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError is a non-zero exit. Stderr holds the tail of the error stream.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	last := lastLine(e.Stderr)
	if last == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, last)
}

type Runner struct {
	GracePeriod time.Duration
	KillWait    time.Duration
	Logger      *logrus.Logger
}

func NewRunner(logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		GracePeriod: DefaultGracePeriod,
		KillWait:    DefaultKillWait,
		Logger:      logger,
	}
}

// Run starts the command, drains stdout and stderr concurrently and waits for
// exit. When ctx ends the child receives a graceful terminate, then a forced
// kill of its whole tree after GracePeriod; Run returns ErrKilled, or
// ErrForcedTerminateTimeout if the child is still alive after KillWait.
// onLine is never called after Run returns.
func (r *Runner) Run(ctx context.Context, c Command, onLine LineFunc) error {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Path: c.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SpawnError{Path: c.Path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &SpawnError{Path: c.Path, Err: err}
	}

	log := r.logger().WithFields(logrus.Fields{"pid": cmd.Process.Pid, "bin": c.Path})
	log.Debugf("started: %s", c)

	sink := &lineSink{fn: onLine}
	tail := &tailBuffer{max: stderrKeep}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(stdout, Stdout, sink, nil)
	}()
	go func() {
		defer wg.Done()
		drain(stderr, Stderr, sink, tail)
	}()

	exited := make(chan error, 1)
	go func() {
		wg.Wait()
		exited <- cmd.Wait()
	}()

	select {
	case err := <-exited:
		sink.close()
		return exitResult(err, tail)
	case <-ctx.Done():
	}

	// A natural exit that raced the cancellation wins.
	select {
	case err := <-exited:
		sink.close()
		return exitResult(err, tail)
	default:
	}

	grace, killWait := r.deadlines()
	log.Info("terminating")
	r.terminate(cmd.Process)

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-exited:
		sink.close()
		return ErrKilled
	case <-graceTimer.C:
	}

	log.Warnf("still running after %s, killing process tree", grace)
	r.killTree(cmd.Process)
	// Descendants may keep the pipes open; closing our ends unblocks the readers.
	_ = stdout.Close()
	_ = stderr.Close()

	killTimer := time.NewTimer(killWait)
	defer killTimer.Stop()
	select {
	case <-exited:
		sink.close()
		return ErrKilled
	case <-killTimer.C:
		sink.close()
		log.Errorf("process did not exit %s after kill", killWait)
		return ErrForcedTerminateTimeout
	}
}

func (r *Runner) logger() *logrus.Logger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}

func (r *Runner) deadlines() (time.Duration, time.Duration) {
	grace, killWait := r.GracePeriod, r.KillWait
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if killWait <= 0 {
		killWait = DefaultKillWait
	}
	return grace, killWait
}

func (r *Runner) terminate(p *os.Process) {
	proc, err := psprocess.NewProcess(int32(p.Pid))
	if err == nil {
		err = proc.Terminate()
	}
	if err != nil {
		r.logger().WithField("pid", p.Pid).Debugf("graceful terminate failed: %v", err)
	}
}

// killTree kills the child and every descendant it spawned. The tree is
// collected first so orphans cannot be reparented out of reach.
func (r *Runner) killTree(p *os.Process) {
	root, err := psprocess.NewProcess(int32(p.Pid))
	if err != nil {
		_ = p.Kill()
		return
	}
	tree := []*psprocess.Process{root}
	for i := 0; i < len(tree); i++ {
		children, err := tree[i].Children()
		if err != nil {
			continue
		}
		tree = append(tree, children...)
	}
	for _, proc := range tree {
		if err := proc.Kill(); err != nil {
			r.logger().WithField("pid", proc.Pid).Debugf("kill failed: %v", err)
		}
	}
	_ = p.Kill()
}

func exitResult(err error, tail *tailBuffer) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Stderr: tail.String()}
	}
	return err
}

type lineSink struct {
	mu     sync.Mutex
	fn     LineFunc
	closed bool
}

func (s *lineSink) emit(stream Stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fn == nil {
		return
	}
	s.fn(stream, line)
}

func (s *lineSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func drain(r io.Reader, stream Stream, sink *lineSink, tail *tailBuffer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	sc.Split(splitByNewlineOrCR)
	for sc.Scan() {
		line := strings.ToValidUTF8(sc.Text(), "�")
		if tail != nil {
			tail.add(line)
		}
		sink.emit(stream, line)
	}
	if sc.Err() != nil {
		// Keep the child from blocking on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

// splitByNewlineOrCR treats carriage returns as line ends so that tools
// redrawing a progress line in place still yield one line per update.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []string
	n   int
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	t.n += len(line) + 1
	for t.n > t.max && len(t.buf) > 1 {
		t.n -= len(t.buf[0]) + 1
		t.buf = t.buf[1:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.buf, "\n")
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return strings.TrimSpace(s)
}
