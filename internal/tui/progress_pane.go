package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stagerun/internal/events"
)

// ProgressPaneModel shows run-level counters and cleanup results.
type ProgressPaneModel struct {
	run       string
	state     string // "idle", "running", "finished", "cancelled"
	groups    int
	group     int // groups started so far
	groupKey  string
	total     int
	running   int
	completed int
	failed    int
	cancelled int
	deleted   int
	undeleted []string
	elapsed   time.Duration
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates an idle progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{state: "idle"}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStartedEvent:
		m = ProgressPaneModel{
			run:     msg.Run,
			state:   "running",
			groups:  msg.Groups,
			total:   msg.Tasks,
			width:   m.width,
			height:  m.height,
			focused: m.focused,
		}

	case events.GroupStartedEvent:
		if msg.Run == m.run {
			m.group = msg.Index + 1
			m.groupKey = msg.Key
		}

	case events.TaskStartedEvent:
		if msg.Run == m.run {
			m.running++
		}

	case events.TaskFinishedEvent:
		if msg.Run != m.run {
			break
		}
		m.running = max(0, m.running-1)
		switch {
		case msg.Cancelled:
			m.cancelled++
		case msg.Err != nil:
			m.failed++
		default:
			m.completed++
		}

	case events.RunFinishedEvent:
		if msg.Run == m.run {
			m.state = "finished"
			m.elapsed = msg.Duration
		}

	case events.RunCancelledEvent:
		if msg.Run == m.run {
			m.state = "cancelled"
		}

	case events.PathDeletedEvent:
		m.deleted++

	case events.PathDeleteFailedEvent:
		m.undeleted = append(m.undeleted, msg.Path)
	}

	return m, nil
}

// Pending is the number of tasks not yet started.
func (m ProgressPaneModel) Pending() int {
	return max(0, m.total-m.running-m.completed-m.failed-m.cancelled)
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Run Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("State:     %s\n", m.state))
	if m.groups > 0 {
		b.WriteString(fmt.Sprintf("Group:     %d/%d %s\n", m.group, m.groups, m.groupKey))
	}
	b.WriteString(fmt.Sprintf("Total:     %d\n", m.total))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.completed))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.running))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString(fmt.Sprintf("Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprintf("%d", m.cancelled))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.Pending()))))
	if m.elapsed > 0 {
		b.WriteString(fmt.Sprintf("Elapsed:   %s\n", m.elapsed.Round(time.Second)))
	}

	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, m.completed+m.failed, m.total))
	}

	if m.deleted > 0 || len(m.undeleted) > 0 {
		b.WriteString(fmt.Sprintf("\nCleanup:   %d removed", m.deleted))
		if len(m.undeleted) > 0 {
			b.WriteString(StyleStatusFailed.Render(fmt.Sprintf(", %d left behind", len(m.undeleted))))
			for _, p := range m.undeleted {
				b.WriteString("\n  " + p)
			}
		}
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
