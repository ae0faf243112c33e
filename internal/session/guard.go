// Package session enforces single-flight submission against agent sessions
// and owns the local session registry.
//
// At most one create, message or command call is outstanding at a time. A
// call for another session fails with ErrOperationInProgress; a second call
// for the same session fails with ErrSessionBusy. The marker is cleared when
// the call returns, or earlier when the stream reports the session idle or
// ended.
//
// SendMessage returns optimistically: if the server has not answered within
// the soft deadline the caller gets a pending result and the request keeps
// running in the background. A failure after that point is logged and not
// reported to the caller.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/universal-console/agentlink/internal/errors"
	"github.com/universal-console/agentlink/internal/logging"
	"github.com/universal-console/agentlink/internal/protocol"
)

// DefaultSoftDeadline is how long SendMessage waits before returning a
// pending result.
const DefaultSoftDeadline = 5 * time.Second

var (
	ErrOperationInProgress = errors.New("another session has an operation in progress")
	ErrSessionBusy         = errors.New("operation already in progress for this session")
	ErrUnknownSession      = errors.New("unknown session")
)

// BusyError reports a rejected submission. It wraps ErrOperationInProgress
// or ErrSessionBusy.
type BusyError struct {
	Requested string
	Active    string
	Err       error
}

func (e *BusyError) Error() string {
	if errors.Is(e.Err, ErrSessionBusy) {
		if e.Requested == "" {
			return "session creation already in progress"
		}
		return fmt.Sprintf("%v: %s", e.Err, e.Requested)
	}
	active := e.Active
	if active == "" {
		active = "(new session)"
	}
	return fmt.Sprintf("%v: %s", e.Err, active)
}

func (e *BusyError) Unwrap() error {
	return e.Err
}

// Transport is the REST surface the guard protects.
type Transport interface {
	CreateSession(ctx context.Context, req protocol.CreateSessionRequest) (*protocol.Session, error)
	GetSession(ctx context.Context, id string) (*protocol.Session, error)
	ListSessions(ctx context.Context) ([]protocol.Session, error)
	DeleteSession(ctx context.Context, id string) error
	AbortSession(ctx context.Context, id string) error
	SendMessage(ctx context.Context, id string, req protocol.MessageRequest) (*protocol.MessageResponse, error)
	SendCommand(ctx context.Context, id string, req protocol.CommandRequest) (*protocol.MessageResponse, error)
}

// MessageResult is the outcome of SendMessage. Pending is true when the soft
// deadline passed first; Response is nil in that case.
type MessageResult struct {
	Response *protocol.MessageResponse
	Pending  bool
}

// marker records the outstanding operation. id is "" for session creation.
type marker struct {
	set bool
	id  string
	seq uint64
}

// Guard wraps a Transport with single-flight checks.
type Guard struct {
	transport    Transport
	registry     *Registry
	logger       *logging.Logger
	softDeadline time.Duration

	mu     sync.Mutex
	marker marker
	seq    uint64
}

// Option configures a Guard.
type Option func(*Guard)

// WithSoftDeadline overrides DefaultSoftDeadline.
func WithSoftDeadline(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.softDeadline = d
		}
	}
}

// WithLogger replaces the session component logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGuard returns a guard with an empty registry.
func NewGuard(transport Transport, opts ...Option) *Guard {
	g := &Guard{
		transport:    transport,
		registry:     newRegistry(),
		logger:       logging.GetSessionLogger(),
		softDeadline: DefaultSoftDeadline,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Sessions exposes the registry for reads.
func (g *Guard) Sessions() *Registry {
	return g.registry
}

// InFlight returns the session id of the outstanding operation. ok is false
// when nothing is outstanding; id is "" while a session is being created.
func (g *Guard) InFlight() (id string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.marker.id, g.marker.set
}

// Select makes id the current session. The session must be known locally.
func (g *Guard) Select(id string) error {
	if !g.registry.Has(id) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	g.registry.setCurrent(id)
	return nil
}

func (g *Guard) acquire(id string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marker.set {
		err := ErrOperationInProgress
		if g.marker.id == id {
			err = ErrSessionBusy
		}
		return 0, &BusyError{Requested: id, Active: g.marker.id, Err: err}
	}
	g.seq++
	g.marker = marker{set: true, id: id, seq: g.seq}
	return g.seq, nil
}

// release clears the marker only if it still belongs to the operation that
// set it.
func (g *Guard) release(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marker.set && g.marker.seq == seq {
		g.marker = marker{}
	}
}

func (g *Guard) clearSession(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marker.set && g.marker.id == id {
		g.marker = marker{}
		return true
	}
	return false
}

// SessionIdle clears the marker held by id.
func (g *Guard) SessionIdle(id string) {
	if g.clearSession(id) {
		g.logger.Debug("Session idle, marker cleared", "session_id", id)
	}
}

// SessionEnded forgets id and clears its marker.
func (g *Guard) SessionEnded(id string) {
	g.registry.remove(id)
	if g.clearSession(id) {
		g.logger.Debug("Session ended, marker cleared", "session_id", id)
	}
}

// call runs fn and turns a panic in the transport into an error.
func (g *Guard) call(operation string, fn func() error) error {
	var err error
	if perr := apperrors.Guard(g.logger, "session", operation, func() { err = fn() }); perr != nil {
		return perr
	}
	return err
}

// CreateSession creates a session, caches it and makes it current.
func (g *Guard) CreateSession(ctx context.Context, req protocol.CreateSessionRequest) (*protocol.Session, error) {
	seq, err := g.acquire("")
	if err != nil {
		return nil, err
	}
	defer g.release(seq)

	var s *protocol.Session
	err = g.call("create_session", func() error {
		var cerr error
		s, cerr = g.transport.CreateSession(ctx, req)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	if s == nil || s.ID == "" {
		return nil, &protocol.ProtocolError{
			Type:      protocol.ErrorTypeProtocol,
			Message:   "server returned no session",
			Method:    http.MethodPost,
			Path:      protocol.EndpointSessions,
			Timestamp: time.Now(),
		}
	}
	g.registry.put(*s)
	g.registry.setCurrent(s.ID)
	g.logger.Info("Session created", "session_id", s.ID)
	return s, nil
}

type messageOutcome struct {
	resp *protocol.MessageResponse
	err  error
}

// SendMessage submits a message to id with optimistic return. The request
// is not canceled when ctx ends; only the wait is.
func (g *Guard) SendMessage(ctx context.Context, id string, req protocol.MessageRequest) (*MessageResult, error) {
	seq, err := g.acquire(id)
	if err != nil {
		return nil, err
	}
	g.registry.selectKnown(id)

	done := make(chan messageOutcome, 1)
	callCtx := context.WithoutCancel(ctx)
	go func() {
		var out messageOutcome
		out.err = g.call("send_message", func() error {
			var serr error
			out.resp, serr = g.transport.SendMessage(callCtx, id, req)
			return serr
		})
		g.release(seq)
		done <- out
	}()

	timer := time.NewTimer(g.softDeadline)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return &MessageResult{Response: out.resp}, nil
	case <-timer.C:
		g.logger.Debug("Message still running after soft deadline", "session_id", id, "deadline", g.softDeadline)
		go g.drain(id, done)
		return &MessageResult{Pending: true}, nil
	case <-ctx.Done():
		go g.drain(id, done)
		return nil, ctx.Err()
	}
}

// drain waits for a detached SendMessage and logs its failure.
func (g *Guard) drain(id string, done <-chan messageOutcome) {
	out := <-done
	if out.err == nil {
		g.logger.Debug("Background message completed", "session_id", id)
		return
	}
	apperrors.NewSessionError("session").
		WithOperation("send_message").
		WithMessage("background message failed").
		WithCause(out.err).
		WithContext("session_id", id).
		WithSeverity(apperrors.SeverityMedium).
		WithRecoverable(true).
		WithoutStackTrace().
		WithLogger(g.logger).
		Build()
}

// SendCommand runs a slash command in id and waits for its reply.
func (g *Guard) SendCommand(ctx context.Context, id string, req protocol.CommandRequest) (*protocol.MessageResponse, error) {
	seq, err := g.acquire(id)
	if err != nil {
		return nil, err
	}
	defer g.release(seq)
	g.registry.selectKnown(id)

	var resp *protocol.MessageResponse
	err = g.call("send_command", func() error {
		var cerr error
		resp, cerr = g.transport.SendCommand(ctx, id, req)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetSession fetches id from the server and refreshes the cache.
func (g *Guard) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	s, err := g.transport.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	g.registry.put(*s)
	return s, nil
}

// ListSessions fetches all sessions from the server and caches them.
func (g *Guard) ListSessions(ctx context.Context) ([]protocol.Session, error) {
	list, err := g.transport.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range list {
		if s.ID != "" {
			g.registry.put(s)
		}
	}
	return list, nil
}

func (g *Guard) DeleteSession(ctx context.Context, id string) error {
	if err := g.transport.DeleteSession(ctx, id); err != nil {
		return err
	}
	g.SessionEnded(id)
	return nil
}

// AbortSession stops generation in id. The outstanding operation for id,
// if any, is considered finished.
func (g *Guard) AbortSession(ctx context.Context, id string) error {
	if err := g.transport.AbortSession(ctx, id); err != nil {
		return err
	}
	g.SessionEnded(id)
	return nil
}
