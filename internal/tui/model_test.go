package tui

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/stagerun/internal/cleanup"
	"github.com/aristath/stagerun/internal/events"
)

type fakeController struct {
	calls atomic.Int32
}

func (f *fakeController) KillAll(context.Context) *cleanup.Report {
	f.calls.Add(1)
	return &cleanup.Report{Deleted: []string{"/tmp/work"}}
}

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

// runCmd executes cmd and any batched commands it expands to, returning
// every resulting message except ticks and event waits that would block.
func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, runCmd(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

func TestModelTracksRunProgress(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	now := time.Now()
	m := feed(t, New(bus, nil),
		tea.WindowSizeMsg{Width: 120, Height: 40},
		events.RunStartedEvent{Run: "r1", Groups: 2, Tasks: 3, Timestamp: now},
		events.GroupStartedEvent{Run: "r1", Index: 0, Key: "search", Tasks: []string{"a", "b"}, Timestamp: now},
		events.TaskStartedEvent{Run: "r1", Name: "a", Command: "comet a.mzML", Timestamp: now},
		events.TaskStartedEvent{Run: "r1", Name: "b", Command: "comet b.mzML", Timestamp: now},
		events.TaskOutputEvent{Run: "r1", Name: "a", Line: "loading index", Timestamp: now},
		events.TaskFinishedEvent{Run: "r1", Name: "a", Duration: time.Second, Timestamp: now},
		events.TaskFinishedEvent{Run: "r1", Name: "b", Err: errors.New("exit status 1"), Timestamp: now},
		events.TaskStartedEvent{Run: "stale", Name: "ghost", Timestamp: now},
	)

	p := m.progressPane
	assert.Equal(t, 3, p.total)
	assert.Equal(t, 1, p.completed)
	assert.Equal(t, 1, p.failed)
	assert.Zero(t, p.running)
	assert.Equal(t, 1, p.Pending())
	assert.Equal(t, 1, p.group)

	require.Equal(t, []string{"a", "b"}, m.taskPane.order)
	selected := m.taskPane.Selected()
	require.NotNil(t, selected)
	assert.Equal(t, StatusCompleted, selected.Status)
	assert.Contains(t, selected.Output, "loading index")
	assert.Equal(t, StatusFailed, m.taskPane.tasks["b"].Status)

	view := m.View()
	assert.Contains(t, view, "Run Progress")
	assert.Contains(t, view, "Tasks")
}

func TestModelNewRunClearsTasks(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	now := time.Now()
	m := feed(t, New(bus, nil),
		events.RunStartedEvent{Run: "r1", Groups: 1, Tasks: 1, Timestamp: now},
		events.TaskStartedEvent{Run: "r1", Name: "a", Timestamp: now},
		events.RunCancelledEvent{Run: "r1", Remaining: 0, Timestamp: now},
		events.RunStartedEvent{Run: "r2", Groups: 1, Tasks: 1, Timestamp: now},
	)

	assert.Empty(t, m.taskPane.order)
	assert.Equal(t, "running", m.progressPane.state)
	assert.Equal(t, "r2", m.progressPane.run)
}

func TestKillKeyDrivesController(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ctrl := &fakeController{}

	m := feed(t, New(bus, ctrl),
		events.RunStartedEvent{Run: "r1", Groups: 2, Tasks: 4, Timestamp: time.Now()},
	)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyKillAll)})
	m = next.(Model)
	assert.True(t, m.killing)
	assert.Equal(t, "Cancelling 4 remaining tasks...", m.status)

	// A second press while the first is in flight does nothing.
	next, again := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyKillAll)})
	m = next.(Model)
	assert.Empty(t, runCmd(again))

	var done tea.Msg
	for _, msg := range runCmd(cmd) {
		if _, ok := msg.(killDoneMsg); ok {
			done = msg
		}
	}
	require.NotNil(t, done)
	assert.Equal(t, int32(1), ctrl.calls.Load())

	m = feed(t, m, done)
	assert.False(t, m.killing)
	assert.Equal(t, "All tasks cancelled; 1 paths removed", m.status)
}

func TestQuitKey(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	next, cmd := New(bus, nil).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(KeyQuit)})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Equal(t, "Goodbye!\n", next.View())
}
