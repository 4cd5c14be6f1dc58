package display

import (
	"fetchkit/pkg/common"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines colors and symbols for terminal output using lipgloss
type Theme struct {
	Bold   lipgloss.Style
	Cyan   lipgloss.Style
	Green  lipgloss.Style
	Yellow lipgloss.Style
	Dim    lipgloss.Style
	Red    lipgloss.Style

	Bullet  string
	Arrow   string
	BoxTree string
	BoxLast string

	IconDownload string
	IconArchive  string
	IconPlugin   string
}

func DefaultTheme() *Theme {
	return &Theme{
		Bold:   lipgloss.NewStyle().Bold(true),
		Cyan:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		Green:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		Yellow: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		Dim:    lipgloss.NewStyle().Faint(true),
		Red:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),

		Bullet:  "•",
		Arrow:   "→",
		BoxTree: "├──",
		BoxLast: "└──",

		IconDownload: "⬇",
		IconArchive:  "📦",
		IconPlugin:   "🔌",
	}
}

func (t *Theme) Styled(style lipgloss.Style, text string) string {
	return style.Render(text)
}

// Status colours a download status.
func (t *Theme) Status(s common.Status) string {
	switch s {
	case common.StatusCompleted:
		return t.Green.Render(string(s))
	case common.StatusFailed:
		return t.Red.Render(string(s))
	case common.StatusCancelled, common.StatusUnknown:
		return t.Yellow.Render(string(s))
	case common.StatusDownloading, common.StatusStarting:
		return t.Cyan.Render(string(s))
	default:
		return t.Dim.Render(string(s))
	}
}
