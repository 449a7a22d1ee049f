package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/stagerun/internal/cleanup"
	"github.com/aristath/stagerun/internal/events"
)

// DefaultShutdownGrace bounds how long a reset waits for retired pools.
const DefaultShutdownGrace = 5 * time.Second

// Config sizes the engine.
type Config struct {
	Parallelism   int           // Parallel pool size; <= 0 means DefaultParallelism()
	ShutdownGrace time.Duration // <= 0 means DefaultShutdownGrace
}

// Cleaner removes transient artifacts after a kill-all request.
type Cleaner interface {
	Drain(ctx context.Context) *cleanup.Report
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger sets the diagnostic logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithPublisher attaches the progress channel.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		e.bus = p
	}
}

// WithCleaner attaches the cleanup service drained by KillAll.
func WithCleaner(c Cleaner) Option {
	return func(e *Engine) {
		e.cleaner = c
	}
}

// Engine executes runs of task groups: one group at a time, members of a
// parallel group concurrently, with cancellation that resets everything.
//
// Queue, pools, handles and the current run are guarded by mu, which is
// held by Submit, Stop and the advance step.
type Engine struct {
	cfg     Config
	log     logrus.FieldLogger
	bus     events.Publisher
	cleaner Cleaner

	mu      sync.Mutex
	queue   *Queue
	handles map[*Handle]struct{}
	serial  *SerialPool
	multi   *BoundedPool
	run     *Run
	closed  bool
}

// New creates an engine with a fresh pool pair.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	e := &Engine{
		cfg:     cfg,
		log:     logrus.StandardLogger(),
		queue:   &Queue{},
		handles: make(map[*Handle]struct{}),
		serial:  NewSerialPool(),
		multi:   NewBoundedPool(cfg.Parallelism),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = events.Discard
	}
	return e
}

// Submit replaces any active run with a new one built from tasks and starts
// draining it in the background. An empty list is a no-op and returns nil.
func (e *Engine) Submit(tasks []Task) *Run {
	if len(tasks) == 0 {
		e.log.Debug("No runnable groups found, nothing submitted")
		return nil
	}

	queue := NewQueue(tasks)
	for _, g := range queue.groups {
		e.logGroup("Scheduling", g)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.log.Warn("Engine is closed, submission dropped")
		return nil
	}

	retired := e.resetLocked()

	run := newRun(uuid.NewString(), queue.Len())
	e.queue = queue
	e.run = run
	e.bus.Publish(events.RunStartedEvent{
		Run:       run.ID,
		Groups:    queue.Len(),
		Tasks:     queue.Pending(),
		Timestamp: run.Started,
	})
	e.log.WithField("run", run.ID).Infof("Starting run: %d groups, %d tasks", queue.Len(), queue.Pending())
	e.chainLocked(run, nil)
	e.mu.Unlock()

	e.retire(retired)
	return run
}

// Stop cancels all outstanding work, drops the queue, and replaces both
// pools with fresh ones. It returns once the retired pools have terminated
// or the grace period has passed. Safe to call at any time.
func (e *Engine) Stop() {
	e.mu.Lock()
	retired := e.resetLocked()
	e.mu.Unlock()

	e.retire(retired)
}

// KillAll stops the active run and then drains the cleanup service, if any.
func (e *Engine) KillAll(ctx context.Context) *cleanup.Report {
	e.log.Infof("Cancelling %d remaining tasks", e.Pending())
	e.Stop()

	if e.cleaner == nil {
		return nil
	}
	return e.cleaner.Drain(ctx)
}

// Close stops the active run and shuts the pools down for good.
// Later submissions are dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	retired := e.resetLocked()
	e.mu.Unlock()

	e.retire(retired)
}

// Pending returns the number of queued tasks that have not started yet.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Pending()
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

// Parallelism returns the size of the parallel pool.
func (e *Engine) Parallelism() int {
	return e.cfg.Parallelism
}

type poolPair struct {
	serial *SerialPool
	multi  *BoundedPool
}

// resetLocked cancels every tracked handle, clears the queue, ends the
// current run and installs fresh pools. The old pools are returned for
// shutdown outside the lock.
func (e *Engine) resetLocked() poolPair {
	for h := range e.handles {
		h.Cancel()
	}
	e.handles = make(map[*Handle]struct{})

	remaining := e.queue.Pending()
	e.queue.Clear()

	if e.run != nil {
		run := e.run
		e.run = nil
		run.finish(true)
		e.bus.Publish(events.RunCancelledEvent{
			Run:       run.ID,
			Remaining: remaining,
			Timestamp: time.Now(),
		})
		e.log.WithField("run", run.ID).Infof("Run stopped, %d tasks dropped", remaining)
	}

	old := poolPair{serial: e.serial, multi: e.multi}
	if !e.closed {
		e.serial = NewSerialPool()
		e.multi = NewBoundedPool(e.cfg.Parallelism)
	}
	return old
}

// retire shuts a pool pair down, both pools at once, within the grace period.
func (e *Engine) retire(p poolPair) {
	grace := e.cfg.ShutdownGrace

	var g errgroup.Group
	g.Go(func() error {
		if err := p.serial.Shutdown(grace); err != nil {
			return fmt.Errorf("sequential pool: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.multi.Shutdown(grace); err != nil {
			return fmt.Errorf("parallel pool: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrShutdownTimeout) {
			e.log.WithError(err).Warnf("Pool still busy after %s, continuing with reset", grace)
			return
		}
		e.log.WithError(err).Error("Pool shutdown failed")
	}
}

// chainLocked schedules the advance step on the single-worker pool. It
// runs once every handle in members is done.
func (e *Engine) chainLocked(run *Run, members []*Handle) {
	joined := join(members)
	h := e.serial.Submit(func(ctx context.Context) error {
		select {
		case <-joined:
		case <-ctx.Done():
			return ctx.Err()
		}
		e.advance(run)
		return nil
	})
	e.handles[h] = struct{}{}
}

// advance pops the next group of run and dispatches it. It only ever runs
// on the single-worker pool.
func (e *Engine) advance(run *Run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run != run {
		return
	}

	for h := range e.handles {
		if h.Finished() {
			delete(e.handles, h)
		}
	}

	g, ok := e.queue.Pop()
	if !ok {
		e.log.WithField("run", run.ID).Debug("No more groups to process, run finished")
		e.run = nil
		run.finish(false)
		e.bus.Publish(events.RunFinishedEvent{
			Run:       run.ID,
			Duration:  time.Since(run.Started),
			Timestamp: time.Now(),
		})
		return
	}

	e.logGroup("Submitting", g)
	e.bus.Publish(events.GroupStartedEvent{
		Run:       run.ID,
		Index:     run.nextGroup(),
		Key:       g.Key,
		Tasks:     g.Names(),
		Timestamp: time.Now(),
	})

	members := make([]*Handle, 0, g.Len())
	if g.Len() == 1 {
		members = append(members, e.serial.Submit(e.execute(run, g.Tasks[0])))
	} else {
		for _, t := range g.Tasks {
			members = append(members, e.multi.Submit(e.execute(run, t)))
		}
	}
	for _, h := range members {
		e.handles[h] = struct{}{}
	}

	e.chainLocked(run, members)
}

// execute wraps a task action with progress reporting.
func (e *Engine) execute(run *Run, t Task) Action {
	return func(ctx context.Context) error {
		logger := e.log.WithFields(logrus.Fields{"run": run.ID, "task": t.Name})
		start := time.Now()

		e.bus.Publish(events.TaskStartedEvent{
			Run:       run.ID,
			Name:      t.Name,
			Command:   t.Command,
			Timestamp: start,
		})
		logger.Infof("Starting: %s", t.Command)

		var err error
		if t.Action == nil {
			err = fmt.Errorf("task %q has no action", t.Name)
		} else {
			err = invoke(withScope(ctx, Scope{Run: run.ID, Task: t.Name}), t.Action)
		}
		cancelled := ctx.Err() != nil

		e.bus.Publish(events.TaskFinishedEvent{
			Run:       run.ID,
			Name:      t.Name,
			Err:       err,
			Cancelled: cancelled,
			Duration:  time.Since(start),
			Timestamp: time.Now(),
		})

		switch {
		case cancelled:
			logger.Info("Cancelled")
		case err != nil:
			logger.WithError(err).Warn("Task failed")
		default:
			logger.Infof("Finished in %s", time.Since(start).Round(time.Millisecond))
		}
		return err
	}
}

func (e *Engine) logGroup(verb string, g Group) {
	if g.Len() == 1 {
		e.log.Debugf("%s for serial execution: %s", verb, g.describe())
		return
	}
	e.log.Debugf("%s for parallel execution: %d %s", verb, g.Len(), g.describe())
}

// Run is one submitted run queue.
type Run struct {
	ID      string
	Started time.Time
	Groups  int

	done      chan struct{}
	once      sync.Once
	cancelled bool
	group     int // guarded by the engine mutex
}

func newRun(id string, groups int) *Run {
	return &Run{
		ID:      id,
		Started: time.Now(),
		Groups:  groups,
		done:    make(chan struct{}),
	}
}

func (r *Run) finish(cancelled bool) {
	r.once.Do(func() {
		r.cancelled = cancelled
		close(r.done)
	})
}

func (r *Run) nextGroup() int {
	i := r.group
	r.group++
	return i
}

// Done is closed when the run queue is exhausted or the run is stopped.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancelled reports whether the run ended by being stopped. Only
// meaningful after Done is closed.
func (r *Run) Cancelled() bool {
	<-r.done
	return r.cancelled
}
