package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"workshop/config"
	"workshop/events"
	"workshop/process"
	"workshop/progress"
	"workshop/task"
)

// scriptExec replays canned tool behaviour instead of spawning processes.
type scriptExec struct {
	mu    sync.Mutex
	calls []process.Command
	run   func(ctx context.Context, cmd process.Command, emit process.LineFunc) error
}

func (s *scriptExec) Run(ctx context.Context, cmd process.Command, onLine process.LineFunc) error {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	s.mu.Unlock()
	return s.run(ctx, cmd, onLine)
}

func (s *scriptExec) Calls() []process.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]process.Command(nil), s.calls...)
}

// recorder is a Reporter for calling workers directly.
type recorder struct {
	mu      sync.Mutex
	updates []progress.Update
	lines   []string
	chunks  []string
}

func (r *recorder) Progress(u progress.Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) Output(stream, line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

func (r *recorder) Chunk(text string) {
	r.mu.Lock()
	r.chunks = append(r.chunks, text)
	r.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func identityLookPath(file string) (string, error) { return file, nil }

func testDeps(ex process.Executor, mutate func(s *config.Settings)) Deps {
	s := config.Defaults()
	s.Download.Probe = false
	if mutate != nil {
		mutate(&s)
	}
	return Deps{
		Settings: StaticSettings(s),
		Exec:     ex,
		Logger:   quietLogger(),
		LookPath: identityLookPath,
	}
}

// startScheduler runs w under a scheduler wired to a fresh bus.
func startScheduler(t *testing.T, kind task.Kind, w task.Worker) (*task.Scheduler, *events.Bus) {
	t.Helper()
	log := quietLogger()
	bus := events.New(log)
	s := task.NewScheduler(task.Config{
		Kind:        kind,
		Concurrency: 1,
		Worker:      w,
		Bus:         bus,
		Logger:      log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Wait()
	})
	s.Start(ctx)
	return s, bus
}

func waitStatus(t *testing.T, s *task.Scheduler, id int64, want task.Status) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		var ok bool
		got, ok = s.Get(id)
		return ok && got.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %d never reached %s", id, want)
	return got
}

// collect subscribes to topic and returns an accessor for the payloads seen.
func collect[T any](bus *events.Bus, topic events.Topic) func() []T {
	var (
		mu  sync.Mutex
		out []T
	)
	bus.Subscribe(topic, func(ev events.Event) {
		mu.Lock()
		out = append(out, ev.Payload.(T))
		mu.Unlock()
	})
	return func() []T {
		mu.Lock()
		defer mu.Unlock()
		return append([]T(nil), out...)
	}
}
