package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/spider/internal/persistence"
	"github.com/aristath/spider/internal/taskgraph"
)

const listWidth = 32

// TaskPaneModel shows the tasks in topological order on the left and the
// selected task's ports and neighbours in a scrollable viewport.
type TaskPaneModel struct {
	graph       *taskgraph.TaskGraph
	order       []taskgraph.TaskIndex
	states      []persistence.TaskState // indexed by task; nil when unknown
	selectedIdx int                     // position in order
	viewport    viewport.Model
	listFocused bool
	width       int
	height      int
	focused     bool
}

func NewTaskPaneModel(g *taskgraph.TaskGraph, order []taskgraph.TaskIndex) TaskPaneModel {
	m := TaskPaneModel{
		graph:       g,
		order:       order,
		viewport:    viewport.New(0, 0),
		listFocused: true,
	}
	m.updateViewportContent()
	return m
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		if !m.listFocused {
			m.viewport, cmd = m.viewport.Update(msg)
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			m.Select(m.selectedIdx + 1)
		case KeyK, KeyUp:
			m.Select(m.selectedIdx - 1)
		case KeyTop:
			m.Select(0)
		case KeyBottom:
			m.Select(len(m.order) - 1)
		}
	}

	return m, cmd
}

// Select moves the selection to position pos of the topological order,
// clamped to the list.
func (m *TaskPaneModel) Select(pos int) {
	pos = max(0, min(pos, len(m.order)-1))
	if pos == m.selectedIdx {
		return
	}
	m.selectedIdx = pos
	m.updateViewportContent()
}

// Selected returns the index of the selected task.
func (m TaskPaneModel) Selected() (taskgraph.TaskIndex, bool) {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx], true
	}
	return 0, false
}

// SetStates replaces the task states shown next to each task.
func (m *TaskPaneModel) SetStates(states []persistence.TaskState) {
	m.states = states
	m.updateViewportContent()
}

func (m TaskPaneModel) state(idx taskgraph.TaskIndex) (persistence.TaskState, bool) {
	if idx < len(m.states) {
		return m.states[idx], true
	}
	return 0, false
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
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

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Empty graph"))
	}
	for i, idx := range m.order {
		task, _ := m.graph.Task(idx)
		name := fmt.Sprintf("%d %s", idx, task.TDLFunction())
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}

		line := name
		if state, ok := m.state(idx); ok {
			line = StatusIcon(state) + " " + name
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

func (m *TaskPaneModel) updateViewportContent() {
	idx, ok := m.Selected()
	if !ok {
		m.viewport.SetContent("No tasks.")
		return
	}
	state, known := m.state(idx)
	m.viewport.SetContent(DescribeTask(m.graph, idx, state, known))
	m.viewport.GotoTop()
}

// DescribeTask renders a task's identity, neighbours and typed ports.
func DescribeTask(g *taskgraph.TaskGraph, idx taskgraph.TaskIndex, state persistence.TaskState, stateKnown bool) string {
	task, ok := g.Task(idx)
	if !ok {
		return fmt.Sprintf("Task %d does not exist.", idx)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", StyleTitle.Render(fmt.Sprintf("Task %d: %s::%s", idx, task.TDLPackage(), task.TDLFunction())))
	if stateKnown {
		fmt.Fprintf(&b, "State:    %s %s\n", StatusIcon(state), state)
	}
	fmt.Fprintf(&b, "Parents:  %s\n", joinIndices(task.Parents(), "none (input task)"))
	fmt.Fprintf(&b, "Children: %s\n", joinIndices(task.Children(), "none (output task)"))

	b.WriteString("\nInputs:\n")
	if len(task.InputDeps()) == 0 {
		b.WriteString("  none\n")
	}
	for pos, depIdx := range task.InputDeps() {
		dep, _ := g.Dependency(depIdx)
		from := "graph input"
		if src, ok := dep.Src(); ok {
			from = fmt.Sprintf("task %d output %d", src.TaskIdx, src.Position)
		}
		fmt.Fprintf(&b, "  %d  %s  <- %s (dep %d)\n", pos, StyleType.Render(dep.Type().String()), from, depIdx)
	}

	b.WriteString("\nOutputs:\n")
	if len(task.OutputDeps()) == 0 {
		b.WriteString("  none\n")
	}
	for pos, depIdx := range task.OutputDeps() {
		dep, _ := g.Dependency(depIdx)
		to := "graph output"
		if !dep.IsDangling() {
			var dsts []string
			for _, dst := range dep.Dst() {
				dsts = append(dsts, fmt.Sprintf("task %d input %d", dst.TaskIdx, dst.Position))
			}
			to = strings.Join(dsts, ", ")
		}
		fmt.Fprintf(&b, "  %d  %s  -> %s (dep %d)\n", pos, StyleType.Render(dep.Type().String()), to, depIdx)
	}
	return b.String()
}

func joinIndices(indices []taskgraph.TaskIndex, empty string) string {
	if len(indices) == 0 {
		return empty
	}
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	return strings.Join(parts, ", ")
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state. listFocused picks whether keys move
// the selection or scroll the detail viewport.
func (m *TaskPaneModel) SetFocused(focused, listFocused bool) {
	m.focused = focused
	m.listFocused = listFocused
}
