package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stagerun/internal/events"
)

// Task statuses shown in the list.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const listWidth = 25

// TaskState is what the console knows about one task of the current run.
type TaskState struct {
	Name      string
	Command   string
	Status    string
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel is the task list plus a scrollable view of the selected
// task's output.
type TaskPaneModel struct {
	run         string
	tasks       map[string]*TaskState // name -> state
	order       []string              // start order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.RunStartedEvent:
		m.run = msg.Run
		m.tasks = make(map[string]*TaskState)
		m.order = nil
		m.selectedIdx = 0
		m.updateViewportContent()

	case events.TaskStartedEvent:
		if msg.Run != m.run {
			break
		}
		if _, exists := m.tasks[msg.Name]; !exists {
			m.order = append(m.order, msg.Name)
		}
		m.tasks[msg.Name] = &TaskState{
			Name:      msg.Name,
			Command:   msg.Command,
			Status:    StatusRunning,
			Output:    []string{"$ " + msg.Command},
			StartTime: msg.Timestamp,
		}
		if len(m.order) == 1 || m.selectedName() == msg.Name {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		task, exists := m.tasks[msg.Name]
		if !exists || msg.Run != m.run {
			break
		}
		line := msg.Line
		if msg.Stderr {
			line = StyleStderr.Render(line)
		}
		task.Output = append(task.Output, line)
		if m.selectedName() == msg.Name {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskFinishedEvent:
		task, exists := m.tasks[msg.Name]
		if !exists || msg.Run != m.run {
			break
		}
		task.Duration = msg.Duration
		switch {
		case msg.Cancelled:
			task.Status = StatusCancelled
			task.Output = append(task.Output, "\n[Cancelled]")
		case msg.Err != nil:
			task.Status = StatusFailed
			task.Output = append(task.Output, fmt.Sprintf("\n[Failed: %v]", msg.Err))
		default:
			task.Status = StatusCompleted
			task.Output = append(task.Output, fmt.Sprintf("\n[Completed in %v]", msg.Duration.Round(time.Millisecond)))
		}
		if m.selectedName() == msg.Name {
			m.updateViewportContent()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, name := range m.order {
		label := name
		if len(label) > listWidth-6 {
			label = label[:listWidth-9] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(m.tasks[name].Status), label)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	case StatusCancelled:
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedName() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the state of the highlighted task, or nil.
func (m TaskPaneModel) Selected() *TaskState {
	return m.tasks[m.selectedName()]
}

func (m *TaskPaneModel) updateViewportContent() {
	task := m.Selected()
	if task == nil {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(10, m.width-listWidth-4)
	m.viewport.Height = max(5, m.height-4)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
