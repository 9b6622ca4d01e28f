package logger

import (
	"github.com/charmbracelet/lipgloss"
	charmlog "github.com/charmbracelet/log"
)

var levelColors = []struct {
	level charmlog.Level
	color lipgloss.Color
}{
	{charmlog.DebugLevel, "63"},
	{charmlog.InfoLevel, "86"},
	{charmlog.WarnLevel, "192"},
	{charmlog.ErrorLevel, "204"},
}

// levelStyles renders levels as short bold colored tags.
func levelStyles() *charmlog.Styles {
	styles := charmlog.DefaultStyles()
	for _, lc := range levelColors {
		styles.Levels[lc.level] = lipgloss.NewStyle().
			SetString(lc.level.String()).
			Bold(true).
			MaxWidth(5).
			Foreground(lc.color)
	}
	styles.Key = lipgloss.NewStyle().Faint(true)
	return styles
}
