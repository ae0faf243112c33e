package watch

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/universal-console/agentlink/internal/connection"
	"github.com/universal-console/agentlink/internal/dispatch"
	"github.com/universal-console/agentlink/internal/events"
)

// Messages delivered from the client to the model.
type (
	StateMsg      connection.StateChange
	HealthMsg     bool
	AttemptMsg    connection.AttemptInfo
	TokenMsg      events.StreamToken
	ThinkingMsg   events.StreamThinking
	SessionEndMsg events.SessionEnd
	ErrorMsg      events.ErrorEvent
	PermissionMsg events.PermissionRequest
)

// Subscriber is the listener surface of client.Client.
type Subscriber interface {
	OnStateChange(func(connection.StateChange)) dispatch.Unsubscribe
	OnHealthChange(func(bool)) dispatch.Unsubscribe
	OnReconnectAttempt(func(connection.AttemptInfo)) dispatch.Unsubscribe
	Events() *dispatch.Dispatcher
}

// Feed turns client callbacks into tea messages. Callbacks block while
// the buffer is full so that no token is dropped; Close releases them.
type Feed struct {
	ch   chan tea.Msg
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	unsub []dispatch.Unsubscribe
}

func NewFeed(size int) *Feed {
	return &Feed{ch: make(chan tea.Msg, size), done: make(chan struct{})}
}

// Attach subscribes to every stream the view shows.
func (f *Feed) Attach(s Subscriber) {
	d := s.Events()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsub = append(f.unsub,
		s.OnStateChange(func(c connection.StateChange) { f.push(StateMsg(c)) }),
		s.OnHealthChange(func(h bool) { f.push(HealthMsg(h)) }),
		s.OnReconnectAttempt(func(a connection.AttemptInfo) { f.push(AttemptMsg(a)) }),
		d.OnToken(func(t events.StreamToken) { f.push(TokenMsg(t)) }),
		d.OnThinking(func(t events.StreamThinking) { f.push(ThinkingMsg(t)) }),
		d.OnSessionEnd(func(e events.SessionEnd) { f.push(SessionEndMsg(e)) }),
		d.OnError(func(e events.ErrorEvent) { f.push(ErrorMsg(e)) }),
		d.OnPermissionRequest(func(p events.PermissionRequest) { f.push(PermissionMsg(p)) }),
	)
}

func (f *Feed) push(msg tea.Msg) {
	select {
	case f.ch <- msg:
	case <-f.done:
	}
}

// Next waits for the following message.
func (f *Feed) Next() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-f.ch:
			return msg
		case <-f.done:
			return nil
		}
	}
}

// Close unsubscribes and releases blocked callbacks.
func (f *Feed) Close() {
	f.once.Do(func() {
		close(f.done)
		f.mu.Lock()
		for _, u := range f.unsub {
			u()
		}
		f.unsub = nil
		f.mu.Unlock()
	})
}
