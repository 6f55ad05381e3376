package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the operator console key bindings.
type KeyMap struct {
	Start key.Binding
	Stop  key.Binding
	Quit  key.Binding
}

// DefaultKeyMap returns the default console bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Start: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "start ramp"),
		),
		Stop: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "stop all"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// helpLine renders the binding hints for the console footer.
func (k KeyMap) helpLine() string {
	bindings := []key.Binding{k.Start, k.Stop, k.Quit}
	line := ""
	for i, b := range bindings {
		if i > 0 {
			line += " · "
		}
		line += b.Help().Key + " " + b.Help().Desc
	}
	return line
}
