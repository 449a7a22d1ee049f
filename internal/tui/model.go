// Package tui is the interactive console for a run: a task list with live
// output, run counters, and a kill-all key.
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stagerun/internal/cleanup"
	"github.com/aristath/stagerun/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneProgress
)

// Controller is the part of the engine the console drives.
type Controller interface {
	KillAll(ctx context.Context) *cleanup.Report
}

// killDoneMsg carries the cleanup report of a finished kill-all.
type killDoneMsg struct {
	report *cleanup.Report
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	ctrl         Controller
	width        int
	height       int
	quitting     bool
	killing      bool
	status       string
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll, so
// create it before submitting the run it should display.
func New(eventBus *events.EventBus, ctrl Controller) Model {
	return Model{
		taskPane:     NewTaskPaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneTasks,
		eventSub:     eventBus.SubscribeAll(1024),
		ctrl:         ctrl,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// killAll runs the controller's kill-all off the UI goroutine.
func killAll(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return killDoneMsg{report: ctrl.KillAll(context.Background())}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyKillAll:
			if m.killing || m.ctrl == nil {
				break
			}
			m.killing = true
			m.status = fmt.Sprintf("Cancelling %d remaining tasks...", m.progressPane.Pending())
			cmds = append(cmds, killAll(m.ctrl))

		case KeyTab, KeyShiftTab:
			m.focusedPane = (m.focusedPane + 1) % 2
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case killDoneMsg:
		m.killing = false
		m.status = killSummary(msg.report)

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.progressPane, _ = m.progressPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

func killSummary(r *cleanup.Report) string {
	if r == nil {
		return "All tasks cancelled"
	}
	if r.Failed() > 0 {
		return fmt.Sprintf("All tasks cancelled; %d paths removed, %d could not be removed", len(r.Deleted), r.Failed())
	}
	return fmt.Sprintf("All tasks cancelled; %d paths removed", len(r.Deleted))
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.progressPane.View())

	footer := HelpView()
	if m.status != "" {
		footer = StyleStatusRunning.Render(m.status) + "  " + footer
	}

	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
