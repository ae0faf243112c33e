// Package components provides small lipgloss renderers shared by the
// terminal views.
package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/universal-console/agentlink/internal/connection"
)

var (
	colorOK      = lipgloss.Color("#A6E3A1")
	colorPending = lipgloss.Color("#F9E2AF")
	colorError   = lipgloss.Color("#F38BA8")
	colorWarn    = lipgloss.Color("#FAB387")
	colorMuted   = lipgloss.Color("#6C7086")
)

// statusStyles maps status strings to their style.
var statusStyles = map[string]lipgloss.Style{
	"pending": lipgloss.NewStyle().Foreground(colorPending),
	"success": lipgloss.NewStyle().Foreground(colorOK),
	"error":   lipgloss.NewStyle().Foreground(colorError),
	"warning": lipgloss.NewStyle().Foreground(colorWarn),
	"info":    lipgloss.NewStyle().Foreground(lipgloss.Color("#89B4FA")),
}

var statusIcons = map[string]string{
	"pending": "…",
	"success": "✓",
	"error":   "✗",
	"warning": "!",
	"info":    "i",
}

var stateStatus = map[connection.State]string{
	connection.StateDisconnected: "info",
	connection.StateConnecting:   "pending",
	connection.StateConnected:    "success",
	connection.StateReconnecting: "warning",
	connection.StateError:        "error",
}

// RenderStatus formats message with the icon and color for status.
func RenderStatus(status, message string) string {
	style, ok := statusStyles[status]
	if !ok {
		style = lipgloss.NewStyle()
	}
	icon, ok := statusIcons[status]
	if !ok {
		icon = "-"
	}
	return style.Render(fmt.Sprintf("%s %s", icon, message))
}

// RenderState renders a connection state badge.
func RenderState(s connection.State) string {
	return RenderStatus(stateStatus[s], string(s))
}

// RenderHealth renders the health flag.
func RenderHealth(healthy bool) string {
	if healthy {
		return RenderStatus("success", "healthy")
	}
	return RenderStatus("error", "unhealthy")
}

// RenderAttempt renders reconnect progress. maxAttempts of zero means
// unbounded and renders the count only.
func RenderAttempt(attempt, maxAttempts, width int) string {
	if maxAttempts <= 0 {
		return RenderStatus("warning", fmt.Sprintf("attempt %d", attempt))
	}
	bar := RenderProgressBar(attempt*100/maxAttempts, width, "#", ".")
	return RenderStatus("warning", fmt.Sprintf("attempt %d/%d %s", attempt, maxAttempts, bar))
}

// RenderProgressBar draws a textual bar for progress in 0-100.
func RenderProgressBar(progress int, width int, fillChar, emptyChar string) string {
	if width <= 0 {
		return ""
	}
	progress = min(max(progress, 0), 100)
	filled := (progress * width) / 100
	return fmt.Sprintf("[%s%s]", strings.Repeat(fillChar, filled), strings.Repeat(emptyChar, width-filled))
}

// Muted renders secondary text.
func Muted(s string) string {
	return lipgloss.NewStyle().Foreground(colorMuted).Render(s)
}
