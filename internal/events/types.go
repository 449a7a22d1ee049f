package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	RunID() string
}

// Topic constants
const (
	TopicRun     = "run"
	TopicTask    = "task"
	TopicCleanup = "cleanup"
)

// Event type constants
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunFinished      = "run.finished"
	EventTypeRunCancelled     = "run.cancelled"
	EventTypeGroupStarted     = "group.started"
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskOutput       = "task.output"
	EventTypeTaskFinished     = "task.finished"
	EventTypePathDeleted      = "cleanup.deleted"
	EventTypePathDeleteFailed = "cleanup.failed"
)

// RunStartedEvent is published when a submission produced a non-empty run queue.
type RunStartedEvent struct {
	Run       string
	Groups    int
	Tasks     int
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) Topic() string     { return TopicRun }
func (e RunStartedEvent) RunID() string     { return e.Run }

// RunFinishedEvent is published when the run queue has been exhausted.
type RunFinishedEvent struct {
	Run       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) Topic() string     { return TopicRun }
func (e RunFinishedEvent) RunID() string     { return e.Run }

// RunCancelledEvent is published when a run is stopped before its queue was exhausted.
type RunCancelledEvent struct {
	Run       string
	Remaining int // tasks that never started
	Timestamp time.Time
}

func (e RunCancelledEvent) EventType() string { return EventTypeRunCancelled }
func (e RunCancelledEvent) Topic() string     { return TopicRun }
func (e RunCancelledEvent) RunID() string     { return e.Run }

// GroupStartedEvent is published when a task group is popped off the queue.
type GroupStartedEvent struct {
	Run       string
	Index     int
	Key       string
	Tasks     []string
	Timestamp time.Time
}

func (e GroupStartedEvent) EventType() string { return EventTypeGroupStarted }
func (e GroupStartedEvent) Topic() string     { return TopicRun }
func (e GroupStartedEvent) RunID() string     { return e.Run }

// TaskStartedEvent is published when a task action begins.
type TaskStartedEvent struct {
	Run       string
	Name      string
	Command   string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) RunID() string     { return e.Run }

// TaskOutputEvent carries one line written by a child process.
type TaskOutputEvent struct {
	Run       string
	Name      string
	Line      string
	Stderr    bool
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) Topic() string     { return TopicTask }
func (e TaskOutputEvent) RunID() string     { return e.Run }

// TaskFinishedEvent is published when a task action returns.
// Err is nil on success. Cancelled is set when the action ended because its run was stopped.
type TaskFinishedEvent struct {
	Run       string
	Name      string
	Err       error
	Cancelled bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) Topic() string     { return TopicTask }
func (e TaskFinishedEvent) RunID() string     { return e.Run }

// PathDeletedEvent is published when a path from the deletion set was removed.
type PathDeletedEvent struct {
	Path      string
	Attempts  int
	Timestamp time.Time
}

func (e PathDeletedEvent) EventType() string { return EventTypePathDeleted }
func (e PathDeletedEvent) Topic() string     { return TopicCleanup }
func (e PathDeletedEvent) RunID() string     { return "" }

// PathDeleteFailedEvent is published when a path was abandoned.
type PathDeleteFailedEvent struct {
	Path      string
	Attempts  int
	Err       error
	Timestamp time.Time
}

func (e PathDeleteFailedEvent) EventType() string { return EventTypePathDeleteFailed }
func (e PathDeleteFailedEvent) Topic() string     { return TopicCleanup }
func (e PathDeleteFailedEvent) RunID() string     { return "" }
