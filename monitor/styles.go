// Package monitor is the operator-facing live dashboard (spec.md §9's
// "operational nicety" the teacher's own tui package always ships): a
// read-only Bubble Tea view over capture counts by ingest status, in-flight
// assemblies, queued commands, and recent errors.
package monitor

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorPrimary   = lipgloss.Color("#7D56F4")
	ColorSecondary = lipgloss.Color("#6C757D")
	ColorSuccess   = lipgloss.Color("#28A745")
	ColorWarning   = lipgloss.Color("#FFC107")
	ColorError     = lipgloss.Color("#DC3545")
	ColorInfo      = lipgloss.Color("#17A2B8")
	ColorMuted     = lipgloss.Color("#6C757D")
	ColorForeground = lipgloss.Color("#CDD6F4")
)

const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolWarning    = "⚠"
	SymbolInProgress = "⟳"
	SymbolBullet     = "•"
)

// Styles holds the rendering styles for the dashboard panels.
type Styles struct {
	Title       lipgloss.Style
	SectionHead lipgloss.Style
	Success     lipgloss.Style
	Error       lipgloss.Style
	Warning     lipgloss.Style
	Info        lipgloss.Style
	Muted       lipgloss.Style
	Panel       lipgloss.Style
	TableHeader lipgloss.Style
	TableCell   lipgloss.Style
	Help        lipgloss.Style
}

// DefaultStyles returns the dashboard's default style set.
func DefaultStyles() *Styles {
	return &Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).MarginBottom(1),
		SectionHead: lipgloss.NewStyle().Bold(true).Foreground(ColorInfo).
			BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(ColorSecondary).MarginBottom(1),
		Success: lipgloss.NewStyle().Foreground(ColorSuccess),
		Error:   lipgloss.NewStyle().Foreground(ColorError),
		Warning: lipgloss.NewStyle().Foreground(ColorWarning),
		Info:    lipgloss.NewStyle().Foreground(ColorInfo),
		Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
		Panel:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorSecondary).Padding(0, 1),
		TableHeader: lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).
			BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(ColorSecondary),
		TableCell: lipgloss.NewStyle().PaddingRight(2),
		Help:      lipgloss.NewStyle().Foreground(ColorMuted),
	}
}

// StatusIcon returns a styled glyph for a capture/command status string.
func (s *Styles) StatusIcon(status string) string {
	switch status {
	case "success", "acknowledged", "sent":
		return s.Success.Render(SymbolSuccess)
	case "failed":
		return s.Error.Render(SymbolError)
	case "assembling", "queued":
		return s.Info.Render(SymbolInProgress)
	default:
		return s.Muted.Render(SymbolBullet)
	}
}

// FormatDuration renders a duration the way an operator reads it at a
// glance: sub-second precision only matters below a second.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
