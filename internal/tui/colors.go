package tui

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha palette, the subset the terminal view uses.
var (
	colorSurface = lipgloss.Color("#313244")
	colorOverlay = lipgloss.Color("#6c7086")
	colorText    = lipgloss.Color("#cdd6f4")
	colorGreen   = lipgloss.Color("#a6e3a1")
	colorYellow  = lipgloss.Color("#f9e2af")
	colorRed     = lipgloss.Color("#f38ba8")
	colorMauve   = lipgloss.Color("#cba6f7")
)
