package dashboard

import "github.com/charmbracelet/lipgloss"

// VSCode-ish sober palette, consistent with the rest of the proxy's
// terminal tooling.
const (
	bgBorder = "#3c3c3c"
	fgBright = "#ffffff"
	fgDim    = "#808080"

	colorGood    = "#89d185" // green
	colorWarning = "#dcdcaa" // pale yellow
	colorBad     = "#f48771" // red
	colorAccent  = "#4fc1ff" // sky blue
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(colorAccent))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(fgDim))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(fgBright)).
			Bold(true)

	goodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGood))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarning))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(colorBad))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(bgBorder)).
			Padding(0, 1)

	barFilledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent))
	barEmptyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(bgBorder))
)
