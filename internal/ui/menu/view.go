package menu

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/universal-console/agentlink/internal/ui/components"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#CBA6F7")).
			Padding(1, 2)

	focusedBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("#89B4FA")).
			Padding(1, 2)

	listItemStyle    = lipgloss.NewStyle().PaddingLeft(1)
	focusedItemStyle = lipgloss.NewStyle().
				PaddingLeft(1).
				Foreground(lipgloss.Color("#1e1e2e")).
				Background(lipgloss.Color("#FAB387"))

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086")).Padding(1, 0)
)

func (m *Model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Width(m.width).Render("agentlink"))
	s.WriteString("\n\n")
	s.WriteString(m.viewProfiles())
	s.WriteString("\n\n")
	s.WriteString(m.viewQuickConnect())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("[Enter] Connect | [1-9] Pick | [Tab] Switch | [Q]uit"))
	return s.String()
}

func (m *Model) viewProfiles() string {
	var items []string
	if len(m.entries) == 0 {
		items = append(items, helpStyle.Render("No profiles configured."))
	}
	for i, e := range m.entries {
		item := fmt.Sprintf("[%d] %s (%s) - %s", i+1, e.Name, e.ServerURL, m.healthBadge(e.Name))
		if e.Default {
			item += components.Muted(" default")
		}
		if m.focusState == FocusList && i == m.selectedIndex {
			items = append(items, focusedItemStyle.Render(item))
		} else {
			items = append(items, listItemStyle.Render(item))
		}
	}

	style := boxStyle
	if m.focusState == FocusList {
		style = focusedBoxStyle
	}
	title := lipgloss.NewStyle().Bold(true).Render("Profiles")
	return style.Render(lipgloss.JoinVertical(lipgloss.Left, append([]string{title}, items...)...))
}

func (m *Model) healthBadge(name string) string {
	if m.check == nil {
		return components.Muted("not checked")
	}
	res, ok := m.health[name]
	switch {
	case !ok:
		return components.RenderStatus("pending", "checking")
	case res.IsHealthy:
		return components.RenderStatus("success", fmt.Sprintf("ready %s", res.ResponseTime.Round(time.Millisecond)))
	default:
		return components.RenderStatus("error", "offline")
	}
}

func (m *Model) viewQuickConnect() string {
	style := boxStyle
	if m.focusState == FocusInput {
		style = focusedBoxStyle
	}
	title := lipgloss.NewStyle().Bold(true).Render("Quick Connect")
	return style.Render(lipgloss.JoinVertical(lipgloss.Left, title, "URL: "+m.quickConnectInput.View()))
}
