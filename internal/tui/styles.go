package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/spider/internal/persistence"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusReady = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39"))

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))

	StyleType = lipgloss.NewStyle().
			Foreground(lipgloss.Color("141"))

	StyleError = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)
)

// StatusIcon returns a styled indicator for a task state.
func StatusIcon(state persistence.TaskState) string {
	switch state {
	case persistence.TaskRunning:
		return StyleStatusRunning.Render("●")
	case persistence.TaskSucceeded:
		return StyleStatusComplete.Render("✓")
	case persistence.TaskFailed:
		return StyleStatusFailed.Render("✗")
	case persistence.TaskCancelled:
		return StyleStatusFailed.Render("⊘")
	case persistence.TaskReady:
		return StyleStatusReady.Render("◆")
	default:
		return StyleStatusPending.Render("○")
	}
}
