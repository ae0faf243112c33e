// Package watch is the live terminal view of one connection: state, health,
// reconnect attempts and the streamed assistant text.
package watch

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/universal-console/agentlink/internal/connection"
	"github.com/universal-console/agentlink/internal/logging"
	"github.com/universal-console/agentlink/internal/ui/components"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	thinkingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C7086")).
			Italic(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F9E2AF"))
)

const helpText = "r reconnect · ↑/↓ scroll · q quit"

// Controller is what the view can ask of the client.
type Controller interface {
	Connect(ctx context.Context)
	State() connection.State
	Healthy() bool
}

// Model implements tea.Model.
type Model struct {
	title  string
	ctrl   Controller
	feed   *Feed
	ctx    context.Context
	log    *logging.Logger
	width  int
	height int
	ready  bool

	spinner  spinner.Model
	viewport viewport.Model

	state    connection.State
	healthy  bool
	attempt  connection.AttemptInfo
	lastErr  error
	session  string
	thinking bool

	transcript strings.Builder
}

// New returns a model titled title that reads from feed. ctx bounds the
// reconnects the view starts.
func New(ctx context.Context, title string, ctrl Controller, feed *Feed) *Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	return &Model{
		title:   title,
		ctrl:    ctrl,
		feed:    feed,
		ctx:     ctx,
		log:     logging.GetUILogger(),
		spinner: sp,
		state:   ctrl.State(),
		healthy: ctrl.Healthy(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.feed.Next())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.lastErr = nil
			m.log.Info("Reconnect requested", "state", m.state)
			return m, m.reconnect()
		}
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case StateMsg:
		m.state = msg.To
		if msg.To == connection.StateConnected {
			m.attempt = connection.AttemptInfo{}
			m.lastErr = nil
		}
		if msg.Err != nil {
			m.lastErr = msg.Err
		}
		if msg.To == connection.StateError {
			m.log.Warn("Showing terminal connection error", "error", msg.Err)
		}
		return m, m.feed.Next()
	case HealthMsg:
		m.healthy = bool(msg)
		return m, m.feed.Next()
	case AttemptMsg:
		m.attempt = connection.AttemptInfo(msg)
		return m, m.feed.Next()
	case TokenMsg:
		m.onToken(msg)
		return m, m.feed.Next()
	case ThinkingMsg:
		m.switchSession(msg.SessionID)
		if !m.thinking {
			m.thinking = true
			m.transcript.WriteString("\n")
		}
		m.transcript.WriteString(thinkingStyle.Render(msg.Text))
		m.refresh()
		return m, m.feed.Next()
	case SessionEndMsg:
		m.notice(fmt.Sprintf("session %s ended: %s", msg.SessionID, msg.Reason))
		return m, m.feed.Next()
	case ErrorMsg:
		if msg.SessionID != "" {
			m.notice(fmt.Sprintf("session %s error: %v", msg.SessionID, msg.Err))
		} else {
			m.lastErr = msg.Err
		}
		return m, m.feed.Next()
	case PermissionMsg:
		m.notice(fmt.Sprintf("permission %s requested: %s %s", msg.RequestID, msg.Operation, msg.ResourcePath))
		return m, m.feed.Next()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) reconnect() tea.Cmd {
	return func() tea.Msg {
		m.ctrl.Connect(m.ctx)
		return nil
	}
}

func (m *Model) onToken(t TokenMsg) {
	m.switchSession(t.SessionID)
	if m.thinking {
		m.thinking = false
		m.transcript.WriteString("\n")
	}
	if t.Done {
		m.transcript.WriteString("\n")
	} else {
		m.transcript.WriteString(t.Text)
	}
	m.refresh()
}

func (m *Model) switchSession(id string) {
	if id == "" || id == m.session {
		return
	}
	if m.session != "" {
		m.transcript.WriteString("\n")
	}
	m.session = id
	m.transcript.WriteString(components.Muted("── " + id + " ──"))
	m.transcript.WriteString("\n")
}

func (m *Model) notice(s string) {
	m.transcript.WriteString("\n")
	m.transcript.WriteString(noticeStyle.Render(s))
	m.transcript.WriteString("\n")
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.transcript.String())
	m.viewport.GotoBottom()
}

func (m *Model) resize(w, h int) {
	m.width, m.height = w, h
	body := max(h-3, 1)
	if !m.ready {
		m.viewport = viewport.New(w, body)
		m.ready = true
	} else {
		m.viewport.Width = w
		m.viewport.Height = body
	}
	m.refresh()
}

// Transcript returns the text received so far.
func (m *Model) Transcript() string {
	return m.transcript.String()
}

func (m *Model) View() string {
	if !m.ready {
		return m.spinner.View() + " starting…"
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.header(), m.viewport.View(), m.footer())
}

func (m *Model) header() string {
	parts := []string{headerStyle.Render(m.title), components.RenderState(m.state), components.RenderHealth(m.healthy)}
	switch m.state {
	case connection.StateConnecting, connection.StateReconnecting:
		parts = append(parts, m.spinner.View())
	}
	if m.attempt.Attempt > 0 {
		parts = append(parts, components.RenderAttempt(m.attempt.Attempt, m.attempt.MaxAttempts, 10))
	}
	return strings.Join(parts, "  ")
}

func (m *Model) footer() string {
	if m.lastErr != nil {
		return components.RenderErrorPane(m.lastErr, "press r to reconnect", m.width)
	}
	return components.Muted(helpText)
}
