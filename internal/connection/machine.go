// Package connection owns the lifecycle of the event stream: it opens the
// stream, pumps frames to a handler, and re-establishes the stream with
// health-gated exponential backoff when it fails.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/universal-console/agentlink/internal/backoff"
	"github.com/universal-console/agentlink/internal/dispatch"
	apperrors "github.com/universal-console/agentlink/internal/errors"
	"github.com/universal-console/agentlink/internal/health"
	"github.com/universal-console/agentlink/internal/logging"
	"github.com/universal-console/agentlink/internal/stream"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

var (
	// ErrRetriesExhausted is wrapped by the terminal error when no attempts remain.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrServerUnhealthy is wrapped by the terminal error when the health
	// probe fails after a backoff wait.
	ErrServerUnhealthy = errors.New("server unhealthy")
	// ErrStreamEnded is the failure recorded when the server closes the
	// stream while auto-reconnect is on.
	ErrStreamEnded = errors.New("event stream ended")
)

// StateChange is delivered to state listeners for every real transition.
type StateChange struct {
	From State
	To   State
	Err  error
}

// AttemptInfo describes a scheduled reconnect attempt.
type AttemptInfo struct {
	Attempt     int
	NextDelay   time.Duration
	MaxAttempts int
}

// FrameHandler consumes frames in arrival order on the reader goroutine.
type FrameHandler func(stream.Frame)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Machine is the connection state machine. One Machine drives at most one
// stream at a time.
type Machine struct {
	source  stream.Source
	probe   health.Prober
	handler FrameHandler
	sleep   SleepFunc
	logger  *logging.Logger

	mu          sync.Mutex
	policy      *backoff.Policy
	state       State
	lastErr     error
	healthy     bool
	attempt     int
	gen         uint64
	cancel      context.CancelFunc
	current     stream.Stream
	lastEventID string

	stateListeners   dispatch.Listeners[StateChange]
	healthListeners  dispatch.Listeners[bool]
	attemptListeners dispatch.Listeners[AttemptInfo]
}

// Option configures a Machine.
type Option func(*Machine)

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(m *Machine) {
		m.sleep = fn
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// New creates a machine in the disconnected state.
func New(source stream.Source, probe health.Prober, policy *backoff.Policy, handler FrameHandler, opts ...Option) *Machine {
	if policy == nil {
		policy = backoff.NewPolicy(backoff.DefaultConfig())
	}
	if handler == nil {
		handler = func(stream.Frame) {}
	}
	m := &Machine{
		source:  source,
		probe:   probe,
		handler: handler,
		policy:  policy,
		sleep:   apperrors.SleepContext,
		logger:  logging.GetConnectionLogger(),
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent connection failure, including the
// error that moved the machine into StateError.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Healthy reports the last known server health.
func (m *Machine) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Attempt returns the current reconnect attempt counter.
func (m *Machine) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// SetPolicy replaces the backoff policy. It applies from the next retry decision.
func (m *Machine) SetPolicy(p *backoff.Policy) {
	if p == nil {
		return
	}
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// OnStateChange is called after every state transition.
func (m *Machine) OnStateChange(fn func(StateChange)) dispatch.Unsubscribe {
	return m.stateListeners.Add(fn)
}

// OnHealthChange is called when the health result flips.
func (m *Machine) OnHealthChange(fn func(bool)) dispatch.Unsubscribe {
	return m.healthListeners.Add(fn)
}

// OnReconnectAttempt is called before each reconnect backoff.
func (m *Machine) OnReconnectAttempt(fn func(AttemptInfo)) dispatch.Unsubscribe {
	return m.attemptListeners.Add(fn)
}

// Connect starts the connection loop and returns immediately. It is a no-op
// while connecting or connected. From any other state the previous loop is
// canceled before the new one starts. The loop stops when ctx ends or
// Disconnect is called.
func (m *Machine) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.abortLocked()
	m.gen++
	gen := m.gen
	m.attempt = 0
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	change, changed := m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	if changed {
		m.notify(change)
	}
	go m.run(runCtx, gen)
}

// Disconnect cancels the active loop and closes the stream.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	m.abortLocked()
	m.gen++
	m.attempt = 0
	change, changed := m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	if changed {
		m.notify(change)
	}
}

// abortLocked cancels the running loop and closes its stream synchronously
// so that no two streams are ever open at once.
func (m *Machine) abortLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.current != nil {
		_ = m.current.Close()
		m.current = nil
	}
}

// CheckHealth runs the probe now and records the outcome.
func (m *Machine) CheckHealth(ctx context.Context) health.Result {
	res := m.probe.Check(ctx)
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.setHealthy(gen, res.IsHealthy)
	return res
}

func (m *Machine) run(ctx context.Context, gen uint64) {
	for {
		err := m.session(ctx, gen)
		if ctx.Err() != nil {
			m.transition(gen, StateDisconnected, nil)
			return
		}

		if err == nil {
			m.mu.Lock()
			auto := m.policy.Config().AutoReconnect
			m.mu.Unlock()
			if !auto {
				m.transition(gen, StateDisconnected, nil)
				return
			}
			err = ErrStreamEnded
		}

		if !m.reconnect(ctx, gen, err) {
			return
		}
	}
}

// session opens one stream and pumps it until it ends. It returns nil when
// the server closed the stream cleanly.
func (m *Machine) session(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	resume := m.lastEventID
	m.mu.Unlock()

	st, err := m.source.Open(ctx, resume)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.gen != gen || ctx.Err() != nil {
		m.mu.Unlock()
		_ = st.Close()
		return context.Canceled
	}
	m.current = st
	m.attempt = 0
	m.mu.Unlock()

	m.transition(gen, StateConnected, nil)
	m.setHealthy(gen, true)

	err = m.pump(ctx, gen, st)

	m.mu.Lock()
	if m.current == st {
		m.current = nil
	}
	if m.gen == gen {
		m.lastEventID = st.LastEventID()
	}
	m.mu.Unlock()
	_ = st.Close()

	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (m *Machine) pump(ctx context.Context, gen uint64, st stream.Stream) error {
	for {
		f, err := st.Next(ctx)
		if err != nil {
			return err
		}
		if !m.isCurrent(gen) {
			return context.Canceled
		}
		_ = apperrors.Guard(m.logger, "connection", "handle_frame", func() { m.handler(f) })
	}
}

// reconnect runs one step of the retry loop. It returns true when the
// caller should reopen the stream.
func (m *Machine) reconnect(ctx context.Context, gen uint64, cause error) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.attempt++
	attempt := m.attempt
	policy := m.policy
	m.lastErr = cause
	m.mu.Unlock()

	m.logger.Warn("Event stream failed", "error", cause.Error(), "attempt", attempt)
	m.transition(gen, StateReconnecting, cause)

	maxAttempts := policy.MaxAttempts()
	if !policy.ShouldRetry(attempt) || (maxAttempts > 0 && attempt >= maxAttempts) {
		m.fail(gen, apperrors.NewConnectionError("connection").
			WithOperation("reconnect").
			WithMessage("event stream lost").
			WithCause(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, cause)).
			WithContext("attempts", attempt).
			WithRecoverable(false).
			WithoutStackTrace().
			WithLogger(m.logger).
			Build())
		return false
	}

	info := AttemptInfo{Attempt: attempt, NextDelay: policy.Delay(attempt), MaxAttempts: maxAttempts}
	m.logger.LogReconnectAttempt(info.Attempt, info.MaxAttempts, info.NextDelay)
	dispatch.Emit(&m.attemptListeners, m.logger, "reconnect_attempt", info)

	if err := m.sleep(ctx, info.NextDelay); err != nil || ctx.Err() != nil {
		if ctx.Err() != nil {
			m.transition(gen, StateDisconnected, nil)
		}
		return false
	}

	res := m.probe.Check(ctx)
	if ctx.Err() != nil {
		m.transition(gen, StateDisconnected, nil)
		return false
	}
	m.setHealthy(gen, res.IsHealthy)
	if !res.IsHealthy {
		m.fail(gen, apperrors.NewHealthError("connection").
			WithOperation("reconnect").
			WithSeverity(apperrors.SeverityHigh).
			WithMessage("health check failed after backoff").
			WithCause(fmt.Errorf("%w: %s", ErrServerUnhealthy, res.Error)).
			WithContext("endpoints", res.CheckedEndpoints).
			WithRecoverable(false).
			WithoutStackTrace().
			WithLogger(m.logger).
			Build())
		return false
	}

	return m.transition(gen, StateConnecting, nil)
}

func (m *Machine) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.gen == gen {
		m.lastErr = err
	}
	m.mu.Unlock()
	m.transition(gen, StateError, err)
}

func (m *Machine) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// transition moves to state `to` if gen is still current. A transition to
// the current state changes nothing and notifies nobody. It reports whether
// gen is still current.
func (m *Machine) transition(gen uint64, to State, err error) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	change, changed := m.setStateLocked(to, err)
	m.mu.Unlock()

	if changed {
		m.notify(change)
	}
	return true
}

func (m *Machine) setStateLocked(to State, err error) (StateChange, bool) {
	from := m.state
	if from == to {
		return StateChange{}, false
	}
	m.state = to
	if to == StateError && err != nil {
		m.lastErr = err
	}
	return StateChange{From: from, To: to, Err: err}, true
}

// notify runs outside the lock so listeners may call back into the machine.
func (m *Machine) notify(change StateChange) {
	m.logger.LogStateChange(string(change.From), string(change.To), change.Err)
	dispatch.Emit(&m.stateListeners, m.logger, "state_change", change)
}

func (m *Machine) setHealthy(gen uint64, healthy bool) {
	m.mu.Lock()
	if m.gen != gen || m.healthy == healthy {
		m.mu.Unlock()
		return
	}
	m.healthy = healthy
	m.mu.Unlock()

	dispatch.Emit(&m.healthListeners, m.logger, "health_change", healthy)
}
