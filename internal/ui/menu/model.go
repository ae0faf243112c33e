// Package menu is the profile picker shown by `agentlink watch` when no
// profile is named: configured profiles with live health, plus a quick
// connect field for an ad hoc server URL.
package menu

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/universal-console/agentlink/internal/health"
	"github.com/universal-console/agentlink/internal/logging"
)

// FocusState represents which part of the menu is focused.
type FocusState int

const (
	FocusList FocusState = iota
	FocusInput
)

// RefreshInterval is how often profile health is re-checked.
const RefreshInterval = 15 * time.Second

// Entry is one configured profile.
type Entry struct {
	Name      string
	ServerURL string
	Default   bool
}

// Checker probes the server of the named profile.
type Checker func(ctx context.Context, name string) health.Result

// Choice is the outcome of the picker. Exactly one of Profile and
// ServerURL is set.
type Choice struct {
	Profile   string
	ServerURL string
}

// Model implements tea.Model.
type Model struct {
	ctx     context.Context
	log     *logging.Logger
	entries []Entry
	check   Checker

	health            map[string]health.Result
	selectedIndex     int
	quickConnectInput textinput.Model
	focusState        FocusState
	choice            *Choice

	width  int
	height int
}

// New returns a picker over entries. check may be nil, in which case no
// health is shown.
func New(ctx context.Context, entries []Entry, check Checker) *Model {
	ti := textinput.New()
	ti.Placeholder = "http://127.0.0.1:4096"
	ti.CharLimit = 256
	ti.Width = 50

	m := &Model{
		ctx:               ctx,
		log:               logging.GetUILogger(),
		entries:           entries,
		check:             check,
		health:            make(map[string]health.Result),
		quickConnectInput: ti,
	}
	for i, e := range entries {
		if e.Default {
			m.selectedIndex = i
		}
	}
	if len(entries) == 0 {
		m.focusState = FocusInput
		m.quickConnectInput.Focus()
	}
	return m
}

// Choice returns the selection, or false if the user quit.
func (m *Model) Choice() (Choice, bool) {
	if m.choice == nil {
		return Choice{}, false
	}
	return *m.choice, true
}

type healthMsg struct {
	name   string
	result health.Result
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) Init() tea.Cmd {
	if m.check == nil {
		return textinput.Blink
	}
	return tea.Batch(m.refreshHealth(), tick(), textinput.Blink)
}

// refreshHealth checks every profile concurrently.
func (m *Model) refreshHealth() tea.Cmd {
	if m.check == nil {
		return nil
	}
	cmds := make([]tea.Cmd, 0, len(m.entries))
	for _, e := range m.entries {
		name := e.Name
		cmds = append(cmds, func() tea.Msg {
			return healthMsg{name: name, result: m.check(m.ctx, name)}
		})
	}
	return tea.Batch(cmds...)
}
