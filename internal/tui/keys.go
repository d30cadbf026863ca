package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the dashboard key bindings.
type KeyMap struct {
	Toggle       key.Binding
	Calibrate    key.Binding
	ExposureUp   key.Binding
	ExposureDown key.Binding
	Reapply      key.Binding
	Help         key.Binding
	Quit         key.Binding
}

// DefaultKeyMap is the built-in key binding set.
var DefaultKeyMap = KeyMap{
	Toggle: key.NewBinding(
		key.WithKeys(" ", "s"),
		key.WithHelp("space", "start/stop"),
	),
	Calibrate: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "calibrate"),
	),
	ExposureUp: key.NewBinding(
		key.WithKeys("+", "="),
		key.WithHelp("+", "longer exposure"),
	),
	ExposureDown: key.NewBinding(
		key.WithKeys("-", "_"),
		key.WithHelp("-", "shorter exposure"),
	),
	Reapply: key.NewBinding(
		key.WithKeys("d"),
		key.WithHelp("d", "apply saved delays"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Toggle, k.Calibrate, k.ExposureUp, k.ExposureDown, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Toggle, k.Calibrate, k.Reapply},
		{k.ExposureUp, k.ExposureDown},
		{k.Help, k.Quit},
	}
}
