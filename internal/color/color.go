package color

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	Success = lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}
	Warning = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}
	Error   = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}
	Info    = lipgloss.AdaptiveColor{Light: "#0969DA", Dark: "#58A6FF"}
	Muted   = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}

	SuccessStyle = lipgloss.NewStyle().Foreground(Success)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error).Bold(true)
	InfoStyle    = lipgloss.NewStyle().Foreground(Info)
	MutedStyle   = lipgloss.NewStyle().Foreground(Muted)
)

// Initialize sets the background lipgloss adapts colors to. NO_COLOR
// disables colors altogether.
func Initialize(isDarkMode bool) {
	lipgloss.SetHasDarkBackground(isDarkMode)
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// InitializeFromEnv picks the theme from SERVCTL_THEME, falling back to
// terminal detection.
func InitializeFromEnv() {
	switch strings.ToLower(os.Getenv("SERVCTL_THEME")) {
	case "dark":
		Initialize(true)
	case "light":
		Initialize(false)
	default:
		Initialize(lipgloss.HasDarkBackground())
	}
}

// State renders a run state name.
func State(state string) string {
	switch strings.ToLower(state) {
	case "started":
		return SuccessStyle.Render("● " + state)
	case "starting", "stopping":
		return WarningStyle.Render("◐ " + state)
	case "stopped":
		return MutedStyle.Render("○ " + state)
	default:
		return MutedStyle.Render("? " + state)
	}
}

// Publish renders a publish state name.
func Publish(state string) string {
	switch strings.ToLower(state) {
	case "none":
		return SuccessStyle.Render("in sync")
	case "incremental", "full":
		return WarningStyle.Render(state)
	default:
		return MutedStyle.Render(state)
	}
}

// Severity renders a status severity.
func Severity(sev string) string {
	switch strings.ToLower(sev) {
	case "ok":
		return SuccessStyle.Render("✓ ok")
	case "info":
		return InfoStyle.Render("i info")
	case "warning":
		return WarningStyle.Render("! warning")
	case "error":
		return ErrorStyle.Render("✗ error")
	case "cancel":
		return MutedStyle.Render("- cancelled")
	default:
		return sev
	}
}
