package menu

import (
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focusState == FocusList {
			return m, m.handleListKeys(msg)
		}
		if cmd, handled := m.handleInputKeys(msg); handled {
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case healthMsg:
		m.health[msg.name] = msg.result
		m.log.Debug("Profile health", "profile", msg.name, "healthy", msg.result.IsHealthy, "error", msg.result.Error)

	case tickMsg:
		cmds = append(cmds, m.refreshHealth(), tick())
	}

	if m.focusState == FocusInput {
		var cmd tea.Cmd
		m.quickConnectInput, cmd = m.quickConnectInput.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) choose(c Choice) tea.Cmd {
	m.log.Debug("Picked connection", "profile", c.Profile, "server_url", c.ServerURL)
	m.choice = &c
	return tea.Quit
}

// handleListKeys processes key presses when the profile list is focused.
func (m *Model) handleListKeys(msg tea.KeyMsg) tea.Cmd {
	switch key := msg.String(); key {
	case "ctrl+c", "q", "esc":
		return tea.Quit

	case "up", "k":
		if m.selectedIndex > 0 {
			m.selectedIndex--
		}

	case "down", "j":
		if m.selectedIndex < len(m.entries)-1 {
			m.selectedIndex++
		}

	case "enter":
		if m.selectedIndex < len(m.entries) {
			return m.choose(Choice{Profile: m.entries[m.selectedIndex].Name})
		}

	case "tab":
		m.focusState = FocusInput
		return m.quickConnectInput.Focus()

	default:
		if i, err := strconv.Atoi(key); err == nil && i >= 1 && i <= len(m.entries) {
			m.selectedIndex = i - 1
			return m.choose(Choice{Profile: m.entries[m.selectedIndex].Name})
		}
	}
	return nil
}

// handleInputKeys processes key presses when quick connect is focused.
// Keys it does not handle go to the text input.
func (m *Model) handleInputKeys(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return tea.Quit, true

	case "enter":
		if url := strings.TrimSpace(m.quickConnectInput.Value()); url != "" {
			return m.choose(Choice{ServerURL: url}), true
		}
		return nil, true

	case "tab", "shift+tab":
		if len(m.entries) > 0 {
			m.focusState = FocusList
			m.quickConnectInput.Blur()
		}
		return nil, true
	}
	return nil, false
}
