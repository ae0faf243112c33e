package components

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	apperrors "github.com/universal-console/agentlink/internal/errors"
	"github.com/universal-console/agentlink/internal/protocol"
)

var (
	errorPaneStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder(), false, true, true, true).
			BorderForeground(colorError).
			Padding(0, 1)

	errorHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorError)

	errorCodeStyle = lipgloss.NewStyle().
			Foreground(colorWarn).
			Italic(true)

	errorDetailsStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(colorMuted).
				Foreground(lipgloss.Color("#CDD6F4"))

	recoveryStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorOK)
)

// RenderErrorPane renders err with whatever structure it carries. hint, if
// not empty, is shown as the recovery line.
func RenderErrorPane(err error, hint string, width int) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	var ce *apperrors.ContextualError
	var pe *protocol.ProtocolError

	switch {
	case errors.As(err, &ce):
		b.WriteString(errorHeaderStyle.Render("Error: " + ce.Message))
		b.WriteRune('\n')
		code := fmt.Sprintf("%s/%s, severity %s", ce.Component, ce.Type, ce.Severity)
		if !ce.IsRecoverable() {
			code += ", not retryable"
		}
		b.WriteString(errorCodeStyle.Render(code))
		if ce.Cause != nil {
			b.WriteRune('\n')
			b.WriteString(errorDetailsStyle.Render(ce.Cause.Error()))
		}
	case errors.As(err, &pe):
		b.WriteString(errorHeaderStyle.Render("Error: " + pe.Message))
		if code := pe.StatusCode(); code != 0 {
			b.WriteRune('\n')
			b.WriteString(errorCodeStyle.Render(fmt.Sprintf("HTTP %d %s %s", code, pe.Method, pe.Path)))
		}
	default:
		b.WriteString(errorHeaderStyle.Render("Error: " + err.Error()))
	}

	if hint != "" {
		b.WriteRune('\n')
		b.WriteString(recoveryStyle.Render(hint))
	}
	if width > 4 {
		return errorPaneStyle.Width(width - 4).Render(b.String())
	}
	return errorPaneStyle.Render(b.String())
}
