package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/spider/internal/persistence"
	"github.com/aristath/spider/internal/taskgraph"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTaskList PaneID = iota
	PaneTaskDetail
	numPanes
)

// StateLoader fetches the current state of every task, indexed by task.
type StateLoader func(ctx context.Context) ([]persistence.TaskState, error)

// statesMsg carries the result of a StateLoader call.
type statesMsg struct {
	states []persistence.TaskState
	err    error
}

// refreshMsg triggers the next periodic load.
type refreshMsg struct{}

// Option configures the viewer.
type Option func(*Model)

// WithTitle sets the summary pane title.
func WithTitle(title string) Option {
	return func(m *Model) { m.summaryPane.title = title }
}

// WithStates shows the states returned by load and reloads them every
// interval. An interval of zero loads once and on the refresh key.
func WithStates(load StateLoader, interval time.Duration) Option {
	return func(m *Model) {
		m.loadStates = load
		m.interval = interval
	}
}

// Model is the root Bubble Tea model of the task graph viewer.
type Model struct {
	taskPane    TaskPaneModel
	summaryPane SummaryPaneModel
	focusedPane PaneID
	loadStates  StateLoader
	interval    time.Duration
	width       int
	height      int
	quitting    bool
}

// New creates a viewer for g. Tasks are listed in topological order.
func New(g *taskgraph.TaskGraph, opts ...Option) (Model, error) {
	order, err := g.Order()
	if err != nil {
		return Model{}, fmt.Errorf("ordering tasks: %w", err)
	}
	m := Model{
		taskPane:    NewTaskPaneModel(g, order),
		summaryPane: NewSummaryPaneModel("Task Graph", g),
		focusedPane: PaneTaskList,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.updateFocusStates()
	return m, nil
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return m.load()
}

func (m Model) load() tea.Cmd {
	if m.loadStates == nil {
		return nil
	}
	load := m.loadStates
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		states, err := load(ctx)
		return statesMsg{states: states, err: err}
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

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % numPanes
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + numPanes - 1) % numPanes
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTaskList
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneTaskDetail
			m.updateFocusStates()

		case KeyRefresh:
			cmds = append(cmds, m.load())

		default:
			var cmd tea.Cmd
			m.taskPane, cmd = m.taskPane.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case statesMsg:
		if msg.err != nil {
			m.summaryPane.SetError(msg.err)
		} else {
			m.taskPane.SetStates(msg.states)
			m.summaryPane.SetStates(msg.states)
		}
		if m.interval > 0 {
			cmds = append(cmds, tea.Tick(m.interval, func(time.Time) tea.Msg {
				return refreshMsg{}
			}))
		}

	case refreshMsg:
		cmds = append(cmds, m.load())
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinVertical(lipgloss.Left, m.taskPane.View(), m.summaryPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, body, HelpView(m.loadStates != nil))
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	availableHeight := m.height - 1 // help bar
	summaryHeight := 8
	if m.loadStates != nil {
		summaryHeight = 11
	}
	summaryHeight = min(summaryHeight, availableHeight/2)

	m.taskPane.SetSize(m.width, availableHeight-summaryHeight)
	m.summaryPane.SetSize(m.width, summaryHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(true, m.focusedPane == PaneTaskList)
}
