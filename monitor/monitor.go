package monitor

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the dashboard program and blocks until the operator quits.
func Run(cfg Config, fetcher *Fetcher) error {
	p := tea.NewProgram(NewModel(cfg, fetcher), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
