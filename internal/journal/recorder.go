package journal

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aristath/stagerun/internal/events"
)

// Event kinds stored in task_events.
const (
	KindGroupStarted = "group.started"
	KindTaskStarted  = "task.started"
	KindTaskOutput   = "task.output"
	KindTaskFinished = "task.finished"
	KindTaskFailed   = "task.failed"
	KindCancelled    = "task.cancelled"
	KindPathDeleted  = "cleanup.deleted"
	KindPathFailed   = "cleanup.failed"
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithPipeline names the pipeline recorded for every run.
func WithPipeline(name string) RecorderOption {
	return func(r *Recorder) {
		r.pipeline = name
	}
}

// WithOutput also records every output line.
func WithOutput(enabled bool) RecorderOption {
	return func(r *Recorder) {
		r.output = enabled
	}
}

// WithRecorderLogger sets the logger for write failures.
func WithRecorderLogger(l logrus.FieldLogger) RecorderOption {
	return func(r *Recorder) {
		r.log = l
	}
}

// Recorder writes bus events to a Store. Run it on its own goroutine; it
// returns once the subscription channel is closed.
type Recorder struct {
	store    Store
	events   <-chan events.Event
	pipeline string
	output   bool
	log      logrus.FieldLogger

	failed  map[string]int
	lastRun string
	done    chan struct{}
}

// NewRecorder subscribes to every topic on bus. The subscription is made
// here, so no event published after NewRecorder returns is missed.
func NewRecorder(store Store, bus *events.EventBus, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		events: bus.SubscribeAll(4096),
		log:    logrus.StandardLogger(),
		failed: make(map[string]int),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run records events until the bus is closed or ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			if err := r.record(ctx, ev); err != nil {
				r.log.WithError(err).WithField("event", ev.EventType()).Warn("Failed to write journal entry")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Done is closed when Run returns.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) record(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.RunStartedEvent:
		r.lastRun = e.Run
		return r.store.StartRun(ctx, RunRecord{
			ID:        e.Run,
			Pipeline:  r.pipeline,
			Status:    StatusRunning,
			Groups:    e.Groups,
			Tasks:     e.Tasks,
			StartedAt: e.Timestamp,
		})

	case events.RunFinishedEvent:
		failed := r.failed[e.Run]
		delete(r.failed, e.Run)
		return r.store.FinishRun(ctx, e.Run, StatusFinished, failed, e.Timestamp)

	case events.RunCancelledEvent:
		failed := r.failed[e.Run]
		delete(r.failed, e.Run)
		return r.store.FinishRun(ctx, e.Run, StatusCancelled, failed, e.Timestamp)

	case events.GroupStartedEvent:
		return r.append(ctx, e.Run, e.Key, KindGroupStarted, strings.Join(e.Tasks, ", "), e.Timestamp)

	case events.TaskStartedEvent:
		return r.append(ctx, e.Run, e.Name, KindTaskStarted, e.Command, e.Timestamp)

	case events.TaskOutputEvent:
		if !r.output || e.Run == "" {
			return nil
		}
		return r.append(ctx, e.Run, e.Name, KindTaskOutput, e.Line, e.Timestamp)

	case events.TaskFinishedEvent:
		switch {
		case e.Cancelled:
			return r.append(ctx, e.Run, e.Name, KindCancelled, "", e.Timestamp)
		case e.Err != nil:
			r.failed[e.Run]++
			return r.append(ctx, e.Run, e.Name, KindTaskFailed, e.Err.Error(), e.Timestamp)
		default:
			return r.append(ctx, e.Run, e.Name, KindTaskFinished, e.Duration.Round(time.Millisecond).String(), e.Timestamp)
		}

	case events.PathDeletedEvent:
		if r.lastRun == "" {
			return nil
		}
		return r.append(ctx, r.lastRun, e.Path, KindPathDeleted, "", e.Timestamp)

	case events.PathDeleteFailedEvent:
		if r.lastRun == "" {
			return nil
		}
		detail := ""
		if e.Err != nil {
			detail = e.Err.Error()
		}
		return r.append(ctx, r.lastRun, e.Path, KindPathFailed, detail, e.Timestamp)
	}
	return nil
}

func (r *Recorder) append(ctx context.Context, runID, task, kind, detail string, at time.Time) error {
	return r.store.Append(ctx, Entry{RunID: runID, Task: task, Kind: kind, Detail: detail, At: at})
}
