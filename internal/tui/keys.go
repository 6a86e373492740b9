package tui

// Keybinding constants
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyEsc      = "esc"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeyTop      = "g"
	KeyBottom   = "G"
	KeyRefresh  = "r"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView(refreshable bool) string {
	help := "Tab: cycle focus | 1/2: jump to pane | j/k: select or scroll | g/G: first/last | q: quit"
	if refreshable {
		help += " | r: refresh"
	}
	return StyleHelp.Render(help)
}
