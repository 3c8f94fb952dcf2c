package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"workshop/events"
	"workshop/fault"
	"workshop/notify"
	"workshop/progress"
)

// DefaultCancelDeadline bounds how long a cancelled worker may take to
// report back: graceful terminate, forced kill and the final finish.
const DefaultCancelDeadline = 15 * time.Second

// Worker executes one task. It receives a snapshot of the task and reports
// through r; the returned message becomes the finish message on success.
// Implementations keep no state between runs.
type Worker interface {
	Run(ctx context.Context, t Task, r Reporter) (message string, err error)
}

type WorkerFunc func(ctx context.Context, t Task, r Reporter) (string, error)

func (f WorkerFunc) Run(ctx context.Context, t Task, r Reporter) (string, error) {
	return f(ctx, t, r)
}

// Reporter is how a running worker feeds the scheduler.
type Reporter interface {
	Progress(u progress.Update)
	Output(stream, line string)
	Chunk(text string)
}

type Config struct {
	Kind        Kind
	Concurrency int
	Worker      Worker
	Bus         *events.Bus
	Notifier    notify.Sink
	Logger      *logrus.Logger
	// Timeout bounds a single run; zero means no limit.
	Timeout        time.Duration
	CancelDeadline time.Duration
}

// Scheduler owns every task of one pipeline kind: FIFO admission, at most
// Concurrency running workers, deduplication by key.
type Scheduler struct {
	cfg Config
	log *logrus.Entry

	// pub serializes state changes together with the publication of the
	// events they produce, so subscribers observe them in order.
	pub sync.Mutex

	mu       sync.Mutex
	nextID   int64
	tasks    map[int64]*Task
	order    []int64
	queue    []int64
	keys     map[string]int64
	active   map[int64]*handle
	limit    int
	timeout  time.Duration
	startSeq int64
	baseCtx  context.Context
	started  bool

	mailbox chan outcome
	wg      sync.WaitGroup
}

type handle struct {
	id        int64
	seq       int64
	cancel    context.CancelFunc
	cancelled bool
	demoted   bool
	watchdog  *time.Timer
}

func (h *handle) stop() {
	h.cancel()
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
}

type outcome struct {
	h       *handle
	message string
	err     error
}

type launch struct {
	h    *handle
	ctx  context.Context
	task Task
}

type emit struct {
	topic   events.Topic
	payload any
}

// pending collects the side effects of one state change; they run after the
// state lock is released.
type pending struct {
	events   []emit
	notes    []notify.Notification
	launches []launch
}

func (p *pending) publish(topic events.Topic, payload any) {
	p.events = append(p.events, emit{topic: topic, payload: payload})
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.New(cfg.Logger)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.CancelDeadline <= 0 {
		cfg.CancelDeadline = DefaultCancelDeadline
	}
	return &Scheduler{
		cfg:     cfg,
		log:     cfg.Logger.WithField("kind", cfg.Kind),
		tasks:   make(map[int64]*Task),
		keys:    make(map[string]int64),
		active:  make(map[int64]*handle),
		limit:   cfg.Concurrency,
		timeout: cfg.Timeout,
		mailbox: make(chan outcome),
	}
}

func (s *Scheduler) Kind() Kind { return s.cfg.Kind }

// Start enables dispatch and drains worker outcomes until ctx is done.
// Cancelling ctx cancels every running task.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.started = true
	s.mu.Unlock()

	s.log.Infof("scheduler started, concurrency limit %d", s.Concurrency())
	go s.loop(ctx)
	s.commit(s.dispatchLocked)
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler loop shutting down")
			return
		case o := <-s.mailbox:
			s.settle(o)
		}
	}
}

// Wait blocks until every started worker has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) commit(fn func(p *pending)) {
	s.pub.Lock()
	defer s.pub.Unlock()

	var p pending
	s.mu.Lock()
	fn(&p)
	s.mu.Unlock()

	for _, e := range p.events {
		s.cfg.Bus.Publish(e.topic, e.payload)
	}
	for _, n := range p.notes {
		notify.Send(s.cfg.Notifier, n)
	}
	for _, l := range p.launches {
		s.start(l)
	}
}

// Submit registers a new waiting task. A task whose key is already held by
// a waiting, running or cancelling task is rejected with a *DuplicateError.
func (s *Scheduler) Submit(args Args) (Task, error) {
	if args == nil {
		return Task{}, fault.Validation("missing task arguments")
	}
	if v, ok := args.(Validator); ok {
		if err := v.Validate(); err != nil {
			if fault.KindOf(err) == "" {
				err = fault.Wrap(fault.KindValidation, err, "%s", err.Error())
			}
			return Task{}, err
		}
	}
	key := strings.TrimSpace(args.Key())
	if key == "" {
		return Task{}, fault.Validation("task key is empty")
	}

	var (
		snap Task
		err  error
	)
	s.commit(func(p *pending) {
		if id, ok := s.keys[key]; ok {
			err = &DuplicateError{Kind: s.cfg.Kind, Key: key, ExistingID: id}
			return
		}
		s.nextID++
		t := &Task{
			ID:        s.nextID,
			Kind:      s.cfg.Kind,
			Key:       key,
			Args:      args,
			Status:    StatusWaiting,
			CreatedAt: time.Now(),
		}
		s.tasks[t.ID] = t
		s.order = append(s.order, t.ID)
		s.queue = append(s.queue, t.ID)
		s.keys[key] = t.ID
		p.publish(TopicAdded, Added{Kind: t.Kind, TaskID: t.ID, Key: key})
		s.dispatchLocked(p)
		snap = *t
	})
	if err != nil {
		s.log.WithField("key", key).Warn(err)
		return Task{}, err
	}
	s.log.WithFields(logrus.Fields{"task_id": snap.ID, "key": key}).Info("task submitted")
	return snap, nil
}

// Cancel stops a task. Waiting tasks are cancelled immediately; running
// tasks move to Cancelling until their worker reports back. Terminal tasks
// are left alone.
func (s *Scheduler) Cancel(id int64) error {
	var err error
	s.commit(func(p *pending) {
		t, ok := s.tasks[id]
		if !ok {
			err = notFound(s.cfg.Kind, id)
			return
		}
		switch t.Status {
		case StatusWaiting:
			s.dequeueLocked(id)
			s.cancelledLocked(p, t)
		case StatusRunning:
			h := s.active[id]
			h.cancelled = true
			s.transitionLocked(p, t, StatusCancelling)
			h.cancel()
			s.armWatchdogLocked(h)
		}
	})
	if err == nil {
		s.log.WithField("task_id", id).Info("cancellation requested")
	}
	return err
}

// Retry puts a failed or cancelled task back in the queue with its
// progress reset.
func (s *Scheduler) Retry(id int64) error {
	var err error
	s.commit(func(p *pending) {
		t, ok := s.tasks[id]
		if !ok {
			err = notFound(s.cfg.Kind, id)
			return
		}
		if t.Status != StatusFailed && t.Status != StatusCancelled {
			err = fmt.Errorf("retry %s task %d in state %s: %w", s.cfg.Kind, id, t.Status, ErrInvalidState)
			return
		}
		if other, ok := s.keys[t.Key]; ok && other != id {
			err = &DuplicateError{Kind: s.cfg.Kind, Key: t.Key, ExistingID: other}
			return
		}
		t.Progress = 0
		t.Error = nil
		t.EndedAt = time.Time{}
		t.SpeedHint = ""
		t.StatusText = ""
		t.Message = ""
		s.transitionLocked(p, t, StatusWaiting)
		s.queue = append(s.queue, id)
		s.dispatchLocked(p)
	})
	return err
}

// Remove forgets a terminal task.
func (s *Scheduler) Remove(id int64) error {
	var err error
	s.commit(func(p *pending) {
		t, ok := s.tasks[id]
		if !ok {
			err = notFound(s.cfg.Kind, id)
			return
		}
		if !t.Status.Terminal() {
			err = &BusyError{TaskID: id, Status: t.Status}
			return
		}
		delete(s.tasks, id)
		for i, oid := range s.order {
			if oid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		p.publish(TopicRemoved, Removed{Kind: s.cfg.Kind, TaskID: id})
	})
	return err
}

// SetConcurrency changes the limit. When the new limit is below the number
// of running tasks, the most recently started ones are torn down and
// returned to the front of the queue with their progress kept.
func (s *Scheduler) SetConcurrency(n int) error {
	if n < 1 {
		return fault.Validation("concurrency must be at least 1, got %d", n)
	}
	s.commit(func(p *pending) {
		s.limit = n

		running := make([]*handle, 0, len(s.active))
		for id, h := range s.active {
			if s.tasks[id] != nil && s.tasks[id].Status == StatusRunning {
				running = append(running, h)
			}
		}
		excess := len(running) - n
		if excess > 0 {
			sort.Slice(running, func(i, j int) bool { return running[i].seq < running[j].seq })
			demoted := make([]int64, 0, excess)
			for _, h := range running[len(running)-excess:] {
				h.demoted = true
				h.cancel()
				s.armWatchdogLocked(h)
				t := s.tasks[h.id]
				s.transitionLocked(p, t, StatusWaiting)
				demoted = append(demoted, h.id)
			}
			s.queue = append(demoted, s.queue...)
			s.log.Infof("concurrency lowered to %d, demoted tasks %v", n, demoted)
		}
		s.dispatchLocked(p)
	})
	return nil
}

func (s *Scheduler) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// SetTimeout changes the run limit for tasks started from now on.
func (s *Scheduler) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Running reports the number of tasks in the Running state.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.active {
		if t := s.tasks[id]; t != nil && t.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (s *Scheduler) Get(id int64) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns snapshots in submission order.
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.tasks[id])
	}
	return out
}

func (s *Scheduler) dispatchLocked(p *pending) {
	if !s.started || s.baseCtx.Err() != nil {
		return
	}
	for len(s.active) < s.limit {
		idx := -1
		for i, id := range s.queue {
			// A demoted task stays out until its previous worker has exited.
			if _, draining := s.active[id]; !draining {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		id := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		t := s.tasks[id]

		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if s.timeout > 0 {
			ctx, cancel = context.WithTimeout(s.baseCtx, s.timeout)
		} else {
			ctx, cancel = context.WithCancel(s.baseCtx)
		}
		s.startSeq++
		h := &handle{id: id, seq: s.startSeq, cancel: cancel}
		s.active[id] = h
		t.StartedAt = time.Now()
		s.transitionLocked(p, t, StatusRunning)
		p.launches = append(p.launches, launch{h: h, ctx: ctx, task: *t})
	}
}

func (s *Scheduler) start(l launch) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log := s.log.WithField("task_id", l.task.ID)
		log.Info("worker started")

		msg, err := s.run(l)
		o := outcome{h: l.h, message: msg, err: err}
		select {
		case s.mailbox <- o:
		case <-s.baseCtx.Done():
			s.settle(o)
		}
	}()
}

func (s *Scheduler) run(l launch) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.KindInternal, "worker panicked: %v", r)
		}
	}()
	return s.cfg.Worker.Run(l.ctx, l.task, &reporter{s: s, h: l.h})
}

// settle applies a worker outcome. Outcomes from workers that were already
// released by the watchdog, or whose run was demoted, are ignored.
func (s *Scheduler) settle(o outcome) {
	s.commit(func(p *pending) {
		h := o.h
		if s.active[h.id] != h {
			return
		}
		delete(s.active, h.id)
		h.stop()

		t, ok := s.tasks[h.id]
		if !ok {
			s.dispatchLocked(p)
			return
		}
		log := s.log.WithField("task_id", t.ID)

		switch {
		case h.demoted:
			// The task went back to the queue when this run was torn down and
			// may since have been cancelled or retried. Its result belongs to
			// no current run.
			log.WithField("run", h.seq).Debugf("discarding outcome of demoted run: %v", o.err)
		case t.Status.Terminal():
		case o.err == nil:
			t.Message = o.message
			s.transitionLocked(p, t, StatusDone)
			log.Info("task completed")
		case t.Status == StatusCancelling && !errors.Is(o.err, fault.ErrForcedTerminateTimeout):
			s.cancelledLocked(p, t)
			log.Info("task cancelled")
		default:
			s.failLocked(p, t, o.err)
		}
		s.dispatchLocked(p)
	})
}

func (s *Scheduler) armWatchdogLocked(h *handle) {
	if h.watchdog != nil {
		return
	}
	h.watchdog = time.AfterFunc(s.cfg.CancelDeadline, func() { s.forceRelease(h) })
}

// forceRelease frees the slot of a worker that ignored its cancellation.
func (s *Scheduler) forceRelease(h *handle) {
	s.commit(func(p *pending) {
		if s.active[h.id] != h {
			return
		}
		delete(s.active, h.id)
		t := s.tasks[h.id]
		s.log.WithField("task_id", h.id).Errorf("worker did not finish within %s of cancellation", s.cfg.CancelDeadline)
		if t != nil && t.Status == StatusCancelling {
			s.failLocked(p, t, fault.Wrap(fault.KindExternal, fault.ErrForcedTerminateTimeout, "%s", fault.ErrForcedTerminateTimeout.Error()))
		}
		s.dispatchLocked(p)
	})
}

func (s *Scheduler) cancelledLocked(p *pending, t *Task) {
	msg := t.Kind.CancelMessage()
	t.Error = fault.New(fault.KindCancelled, "%s", msg)
	t.Message = msg
	s.transitionLocked(p, t, StatusCancelled)
}

func (s *Scheduler) failLocked(p *pending, t *Task, err error) {
	fe := fault.Classify(err)
	if fe.Kind == fault.KindCancelled {
		// The worker stopped without being asked to; report it as a failure.
		fe = fault.Wrap(fault.KindInternal, err, "worker stopped unexpectedly")
	}
	t.Error = fe
	t.Message = fe.Message
	s.log.WithFields(logrus.Fields{"task_id": t.ID, "error_kind": fe.Kind}).Errorf("task failed: %v", err)
	s.transitionLocked(p, t, StatusFailed)
}

func (s *Scheduler) transitionLocked(p *pending, t *Task, to Status) {
	from := t.Status
	if !CanTransition(from, to) {
		s.log.WithField("task_id", t.ID).Errorf("refusing invalid transition %s -> %s", from, to)
		return
	}
	t.Status = to
	p.publish(TopicStatus, StatusChanged{Kind: t.Kind, TaskID: t.ID, From: from, To: to})

	switch {
	case to.Terminal():
		if s.keys[t.Key] == t.ID {
			delete(s.keys, t.Key)
		}
		t.EndedAt = time.Now()
		ev := FinishedEvent{
			Kind:    t.Kind,
			TaskID:  t.ID,
			Key:     t.Key,
			Success: to == StatusDone,
			Status:  to,
			Message: t.Message,
		}
		if t.Error != nil {
			ev.ErrorKind = t.Error.Kind
		}
		p.publish(FinishedTopic(t.Kind), ev)
		p.notes = append(p.notes, finishNotification(t))
	case to == StatusWaiting && from.Terminal():
		s.keys[t.Key] = t.ID
	}
}

func finishNotification(t *Task) notify.Notification {
	switch t.Status {
	case StatusDone:
		return notify.Notification{Level: notify.LevelSuccess, Title: t.Kind.Label() + "完成", Body: t.Message}
	case StatusCancelled:
		return notify.Notification{Level: notify.LevelInfo, Title: t.Message, Body: t.Key}
	default:
		return notify.Notification{Level: notify.LevelError, Title: t.Kind.Label() + "失败", Body: t.Message}
	}
}

func (s *Scheduler) dequeueLocked(id int64) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// reporter binds a worker to the handle it was started with, so output from
// a torn-down run cannot touch the task.
type reporter struct {
	s *Scheduler
	h *handle
}

func (r *reporter) current() *Task {
	if r.s.active[r.h.id] != r.h {
		return nil
	}
	t := r.s.tasks[r.h.id]
	if t == nil || (t.Status != StatusRunning && t.Status != StatusCancelling) {
		return nil
	}
	return t
}

func (r *reporter) Progress(u progress.Update) {
	r.s.commit(func(p *pending) {
		t := r.current()
		if t == nil {
			return
		}
		pct := u.Percent
		if pct > 100 {
			pct = 100
		}
		if pct < t.Progress {
			pct = t.Progress
		}
		t.Progress = pct
		if u.Speed != "" {
			t.SpeedHint = u.Speed
		}
		if u.Status != "" {
			t.StatusText = u.Status
		}
		if u.Filename != "" && t.Filename == "" {
			t.Filename = u.Filename
		}
		p.publish(ProgressTopic(t.Kind), ProgressEvent{
			Kind:     t.Kind,
			TaskID:   t.ID,
			Percent:  pct,
			Speed:    t.SpeedHint,
			Status:   t.StatusText,
			Filename: t.Filename,
		})
	})
}

func (r *reporter) Output(stream, line string) {
	r.s.commit(func(p *pending) {
		t := r.current()
		if t == nil {
			return
		}
		p.publish(OutputTopic(t.Kind), OutputEvent{Kind: t.Kind, TaskID: t.ID, Stream: stream, Line: line})
	})
}

func (r *reporter) Chunk(text string) {
	r.s.commit(func(p *pending) {
		t := r.current()
		if t == nil {
			return
		}
		p.publish(TopicTranslateUpdate, ChunkEvent{Kind: t.Kind, TaskID: t.ID, Chunk: text})
	})
}
