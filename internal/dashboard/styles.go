package dashboard

import "github.com/charmbracelet/lipgloss"

var (
	Primary    = lipgloss.Color("#FF6B35")
	Success    = lipgloss.Color("#4CAF50")
	Warning    = lipgloss.Color("#FFB74D")
	Danger     = lipgloss.Color("#F44336")
	TextBright = lipgloss.Color("#FFFFFF")
	Muted      = lipgloss.Color("#90A4AE")
	HeaderBg   = lipgloss.Color("#1C2128")
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(TextBright).Background(HeaderBg).Bold(true).Padding(0, 1)
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(Primary).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(Muted)
	valueStyle  = lipgloss.NewStyle().Foreground(TextBright).Bold(true)
	helpStyle   = lipgloss.NewStyle().Foreground(Muted).Italic(true)
)

// stateStyle colors a session state.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "streaming":
		return lipgloss.NewStyle().Foreground(Success).Bold(true)
	case "awaiting_config":
		return lipgloss.NewStyle().Foreground(Warning).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(Danger).Bold(true)
	}
}
