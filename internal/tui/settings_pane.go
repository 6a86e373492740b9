package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/spider/internal/config"
)

// SettingsModel is a form editing the configuration. Completing the form
// saves to the chosen file; esc quits without saving.
type SettingsModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	saved       bool
	savedTo     string
	err         error

	// Form field bindings (strings for Huh)
	saveTarget       string
	storagePath      string
	interval         string
	taskTimeout      string
	heartbeatTimeout string
	maxRetries       string
	logLevel         string
	logFormat        string
	metricsAddr      string
}

func NewSettingsModel(cfg *config.Config, globalPath, projectPath string) SettingsModel {
	m := SettingsModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,

		saveTarget:       "project",
		storagePath:      cfg.Storage.Path,
		interval:         cfg.Monitor.Interval.String(),
		taskTimeout:      cfg.Monitor.TaskTimeout.String(),
		heartbeatTimeout: cfg.Monitor.HeartbeatTimeout.String(),
		maxRetries:       strconv.Itoa(cfg.Monitor.MaxJobRetries),
		logLevel:         cfg.Log.Level,
		logFormat:        cfg.Log.Format,
		metricsAddr:      cfg.Metrics.Addr,
	}
	m.buildForm()
	return m
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateRetries(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("must be a whole number")
	}
	if n < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption(fmt.Sprintf("Project (%s)", m.projectPath), "project"),
					huh.NewOption(fmt.Sprintf("Global (%s)", m.globalPath), "global"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("storagePath").
				Title("Database Path").
				Value(&m.storagePath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("must be set")
					}
					return nil
				}),
		).Title("Storage"),

		huh.NewGroup(
			huh.NewInput().
				Key("interval").
				Title("Sweep Interval").
				Value(&m.interval).
				Placeholder("5s").
				Validate(validateDuration),

			huh.NewInput().
				Key("taskTimeout").
				Title("Task Timeout").
				Value(&m.taskTimeout).
				Placeholder("10m").
				Validate(validateDuration),

			huh.NewInput().
				Key("heartbeatTimeout").
				Title("Heartbeat Timeout").
				Value(&m.heartbeatTimeout).
				Placeholder("30s").
				Validate(validateDuration),

			huh.NewInput().
				Key("maxRetries").
				Title("Max Job Retries").
				Value(&m.maxRetries).
				Placeholder("3").
				Validate(validateRetries),
		).Title("Monitor"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("trace", "debug", "info", "warning", "error")...).
				Value(&m.logLevel),

			huh.NewSelect[string]().
				Key("logFormat").
				Title("Log Format").
				Options(huh.NewOptions("text", "json")...).
				Value(&m.logFormat),

			huh.NewInput().
				Key("metricsAddr").
				Title("Metrics Address").
				Value(&m.metricsAddr).
				Placeholder(":9464"),
		).Title("Observability"),
	)
}

// Init initializes the settings form.
func (m SettingsModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings form.
func (m SettingsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)
	case tea.KeyMsg:
		switch msg.String() {
		case KeyEsc, KeyCtrlC:
			return m, tea.Quit
		}
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted && !m.saved && m.err == nil {
		m.err = m.save()
		m.saved = m.err == nil
		return m, tea.Quit
	}
	return m, cmd
}

// save copies the form values into the configuration and writes it.
func (m *SettingsModel) save() error {
	if err := m.applyFormToConfig(); err != nil {
		return err
	}
	if err := m.config.Validate(); err != nil {
		return err
	}

	target := m.projectPath
	if m.saveTarget == "global" {
		target = m.globalPath
	}
	if err := config.Save(m.config, target); err != nil {
		return err
	}
	m.savedTo = target
	return nil
}

func (m *SettingsModel) applyFormToConfig() error {
	parse := func(s string) (config.Duration, error) {
		d, err := time.ParseDuration(s)
		return config.Duration(d), err
	}

	var err error
	m.config.Storage.Path = m.storagePath
	if m.config.Monitor.Interval, err = parse(m.interval); err != nil {
		return fmt.Errorf("sweep interval: %w", err)
	}
	if m.config.Monitor.TaskTimeout, err = parse(m.taskTimeout); err != nil {
		return fmt.Errorf("task timeout: %w", err)
	}
	if m.config.Monitor.HeartbeatTimeout, err = parse(m.heartbeatTimeout); err != nil {
		return fmt.Errorf("heartbeat timeout: %w", err)
	}
	if m.config.Monitor.MaxJobRetries, err = strconv.Atoi(m.maxRetries); err != nil {
		return fmt.Errorf("max job retries: %w", err)
	}
	m.config.Log.Level = m.logLevel
	m.config.Log.Format = m.logFormat
	m.config.Metrics.Addr = m.metricsAddr
	return nil
}

// Result reports where the configuration was saved, or why it was not.
// An empty path with a nil error means the form was cancelled.
func (m SettingsModel) Result() (string, error) {
	return m.savedTo, m.err
}

// View renders the settings form.
func (m SettingsModel) View() string {
	var content string
	switch {
	case m.saved:
		content = StyleStatusComplete.Render(fmt.Sprintf("✓ Settings saved to %s", m.savedTo))
	case m.err != nil:
		content = StyleError.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2)
	if m.width > 4 && m.height > 4 {
		style = style.Width(m.width - 4).Height(m.height - 4)
	}

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings form.
func (m *SettingsModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil && w > 8 && h > 8 {
		m.form = m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}
