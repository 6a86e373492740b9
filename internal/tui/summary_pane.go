package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/spider/internal/persistence"
	"github.com/aristath/spider/internal/taskgraph"
)

// SummaryPaneModel shows graph-wide counts and, for a job, its progress.
type SummaryPaneModel struct {
	title       string
	tasks       int
	deps        int
	inputs      int
	outputs     int
	inputTasks  int
	outputTasks int
	counts      map[persistence.TaskState]int
	hasStates   bool
	err         error
	width       int
	height      int
}

func NewSummaryPaneModel(title string, g *taskgraph.TaskGraph) SummaryPaneModel {
	return SummaryPaneModel{
		title:       title,
		tasks:       g.NumTasks(),
		deps:        g.NumDependencies(),
		inputs:      len(g.GraphInputs()),
		outputs:     len(g.GraphOutputs()),
		inputTasks:  len(g.InputTasks()),
		outputTasks: len(g.OutputTasks()),
	}
}

// SetStates recounts tasks per state.
func (m *SummaryPaneModel) SetStates(states []persistence.TaskState) {
	m.counts = make(map[persistence.TaskState]int)
	for _, st := range states {
		m.counts[st]++
	}
	m.hasStates = true
	m.err = nil
}

// SetError shows the last refresh failure.
func (m *SummaryPaneModel) SetError(err error) {
	m.err = err
}

// View renders the summary pane.
func (m SummaryPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render(m.title)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Tasks:        %d (%d input, %d output)\n", m.tasks, m.inputTasks, m.outputTasks))
	b.WriteString(fmt.Sprintf("Dependencies: %d (%d graph inputs, %d graph outputs)\n", m.deps, m.inputs, m.outputs))

	if m.hasStates {
		succeeded := m.counts[persistence.TaskSucceeded]
		running := m.counts[persistence.TaskRunning]
		failed := m.counts[persistence.TaskFailed] + m.counts[persistence.TaskCancelled]
		waiting := m.counts[persistence.TaskPending] + m.counts[persistence.TaskReady]

		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("Succeeded: %s  ", StyleStatusComplete.Render(fmt.Sprintf("%d", succeeded))))
		b.WriteString(fmt.Sprintf("Running: %s  ", StyleStatusRunning.Render(fmt.Sprintf("%d", running))))
		b.WriteString(fmt.Sprintf("Failed: %s  ", StyleStatusFailed.Render(fmt.Sprintf("%d", failed))))
		b.WriteString(fmt.Sprintf("Waiting: %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", waiting))))

		if m.tasks > 0 {
			barWidth := min(m.width-4, 40)
			succeededWidth := (succeeded * barWidth) / m.tasks
			failedWidth := (failed * barWidth) / m.tasks
			runningWidth := (running * barWidth) / m.tasks
			waitingWidth := barWidth - succeededWidth - failedWidth - runningWidth

			bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, succeededWidth)))
			bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
			bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
			bar += StyleStatusPending.Render(strings.Repeat(".", max(0, waitingWidth)))

			b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, succeeded, m.tasks))
		}
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(StyleError.Render(fmt.Sprintf("refresh failed: %v", m.err)))
	}

	return StyleUnfocusedBorder.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *SummaryPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}
