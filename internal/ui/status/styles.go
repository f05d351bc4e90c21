package status

import (
	"charm.land/lipgloss/v2"
)

// Color palette.
var (
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4672")
	colorCyan   = lipgloss.Color("#00E5FF")
	colorSubtle = lipgloss.Color("#626262")
	colorWhite  = lipgloss.Color("#FFFFFF")
)

var (
	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSubtle)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	stateOpenStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	stateLostStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	stateSubtleStyle = lipgloss.NewStyle().
				Foreground(colorSubtle)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(lipgloss.Color("#333333")).
			Padding(0, 1)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(colorSubtle)
)
