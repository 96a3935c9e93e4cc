package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorMauve).
			Background(colorSurface).
			Padding(0, 1)

	statusConnectedStyle = lipgloss.NewStyle().
				Foreground(colorGreen).
				Bold(true)

	statusWaitingStyle = lipgloss.NewStyle().
				Foreground(colorYellow).
				Bold(true)

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(colorRed).
				Bold(true)

	contentStyle = lipgloss.NewStyle().
			Foreground(colorText)

	inputStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorOverlay).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorOverlay)
)
