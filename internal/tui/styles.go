// Package tui provides the terminal dashboard for scriptlock.
package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Colors
var (
	ColorPrimary   = lipgloss.Color("39")  // Blue
	ColorSecondary = lipgloss.Color("245") // Gray
	ColorSuccess   = lipgloss.Color("42")  // Green
	ColorWarning   = lipgloss.Color("214") // Orange
	ColorDanger    = lipgloss.Color("196") // Red
	ColorMuted     = lipgloss.Color("240") // Dark gray
)

// Lock states shown in the dashboard.
const (
	StatusHeld     = "held"
	StatusExpiring = "expiring"
	StatusExpired  = "expired"
	StatusReleased = "released"
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			Padding(0, 1)

	NormalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Padding(0, 1)

	StatusHeldStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess).
			Bold(true)

	StatusExpiringStyle = lipgloss.NewStyle().
				Foreground(ColorWarning).
				Bold(true)

	StatusExpiredStyle = lipgloss.NewStyle().
				Foreground(ColorDanger)

	StatusReleasedStyle = lipgloss.NewStyle().
				Foreground(ColorMuted)

	HelpStyle = lipgloss.NewStyle().
			Foreground(ColorSecondary).
			Padding(1, 0)

	LabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary).
			Width(14)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorDanger).
			Bold(true)
)

// GetStatusStyle returns the style for a lock status.
func GetStatusStyle(status string) lipgloss.Style {
	switch status {
	case StatusHeld:
		return StatusHeldStyle
	case StatusExpiring:
		return StatusExpiringStyle
	case StatusExpired:
		return StatusExpiredStyle
	case StatusReleased:
		return StatusReleasedStyle
	default:
		return NormalStyle
	}
}

// GetStatusIcon returns an icon for a lock status.
func GetStatusIcon(status string) string {
	switch status {
	case StatusHeld:
		return "●"
	case StatusExpiring:
		return "◐"
	case StatusExpired:
		return "⚠"
	case StatusReleased:
		return "○"
	default:
		return "?"
	}
}
