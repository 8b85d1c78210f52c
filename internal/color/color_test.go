package color

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		isDarkMode bool
		expected   bool
	}{
		{"set dark mode", true, true},
		{"set light mode", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Initialize(tt.isDarkMode)
			assert.Equal(t, tt.expected, lipgloss.HasDarkBackground())
		})
	}
}

func TestInitializeFromEnv(t *testing.T) {
	t.Setenv("SERVCTL_THEME", "light")
	InitializeFromEnv()
	assert.False(t, lipgloss.HasDarkBackground())

	t.Setenv("SERVCTL_THEME", "DARK")
	InitializeFromEnv()
	assert.True(t, lipgloss.HasDarkBackground())
}

func TestRenderers(t *testing.T) {
	tests := []struct {
		render func(string) string
		in     string
		want   string
	}{
		{State, "started", "● started"},
		{State, "stopping", "◐ stopping"},
		{State, "stopped", "○ stopped"},
		{State, "unknown", "? unknown"},
		{Publish, "none", "in sync"},
		{Publish, "full", "full"},
		{Severity, "error", "✗ error"},
		{Severity, "cancel", "- cancelled"},
		{Severity, "weird", "weird"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.True(t, strings.Contains(tt.render(tt.in), tt.want))
		})
	}
}
