// Package client assembles the connection, event and session layers for one
// profile into a single handle.
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/universal-console/agentlink/internal/auth"
	"github.com/universal-console/agentlink/internal/backoff"
	"github.com/universal-console/agentlink/internal/config"
	"github.com/universal-console/agentlink/internal/connection"
	"github.com/universal-console/agentlink/internal/dispatch"
	"github.com/universal-console/agentlink/internal/events"
	"github.com/universal-console/agentlink/internal/health"
	"github.com/universal-console/agentlink/internal/logging"
	"github.com/universal-console/agentlink/internal/permission"
	"github.com/universal-console/agentlink/internal/protocol"
	"github.com/universal-console/agentlink/internal/session"
	"github.com/universal-console/agentlink/internal/stream"
)

// healthHistorySize bounds the probe history kept for display.
const healthHistorySize = 50

type options struct {
	httpClient *http.Client
	decider    permission.Decider
	auth       *auth.Manager
	logger     *logging.Logger
	sleep      connection.SleepFunc
	random     func() float64
}

// Option configures New.
type Option func(*options)

// WithHTTPClient replaces the transport used for requests and the stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithDecider answers permission requests automatically.
func WithDecider(d permission.Decider) Option {
	return func(o *options) {
		o.decider = d
	}
}

// WithAuthManager signs requests with the manager's credentials.
func WithAuthManager(m *auth.Manager) Option {
	return func(o *options) {
		o.auth = m
	}
}

// WithLogger sets the base logger; each layer derives its component from it.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSleep replaces the reconnect wait.
func WithSleep(fn connection.SleepFunc) Option {
	return func(o *options) {
		o.sleep = fn
	}
}

// WithRandom replaces the jitter source.
func WithRandom(fn func() float64) Option {
	return func(o *options) {
		o.random = fn
	}
}

// Client is a connected view of one agent server.
type Client struct {
	profile config.Profile
	random  func() float64
	logger  *logging.Logger

	rest        *protocol.Client
	probe       *health.Probe
	source      stream.Source
	normalizer  *events.Normalizer
	dispatcher  *dispatch.Dispatcher
	machine     *connection.Machine
	guard       *session.Guard
	permissions *permission.Coordinator

	frames      dispatch.Listeners[stream.Frame]
	diagnostics dispatch.Listeners[events.Diagnostic]
	unsubscribe []dispatch.Unsubscribe
}

// lifecycle forwards session lifecycle events from the feed to the guard
// and drops pending permission requests of ended sessions.
type lifecycle struct {
	guard       *session.Guard
	permissions *permission.Coordinator
}

func (l lifecycle) SessionIdle(id string) {
	l.guard.SessionIdle(id)
}

func (l lifecycle) SessionEnded(id string) {
	l.guard.SessionEnded(id)
	l.permissions.Forget(id)
}

// New builds a client for profile. Nothing touches the network until
// Connect or a session call.
func New(profile *config.Profile, opts ...Option) (*Client, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}
	if o.auth == nil {
		o.auth = auth.NewManager()
	}
	base := o.logger
	if base == nil {
		base = logging.GetGlobalLogger()
	}
	sub := func(component string) *logging.Logger {
		return base.WithComponent(component)
	}

	p := *profile
	p.ApplyDefaults()
	if err := config.ValidateProfile(&p); err != nil {
		return nil, err
	}

	setAuth, err := o.auth.HeaderFunc(p.Auth)
	if err != nil {
		return nil, err
	}
	decorate := func(r *http.Request) {
		setAuth(r)
		if p.Directory != "" {
			r.Header.Set("X-Directory", p.Directory)
		}
	}

	c := &Client{profile: p, random: o.random, logger: sub("client")}

	c.rest, err = protocol.NewClient(p.ServerURL,
		protocol.WithHTTPClient(o.httpClient),
		protocol.WithDecorator(func(r *http.Request) error {
			setAuth(r)
			return nil
		}),
		protocol.WithDirectory(p.Directory),
		protocol.WithTimeout(p.RequestTimeout),
		protocol.WithLogger(sub("protocol")),
	)
	if err != nil {
		return nil, err
	}

	c.probe = health.NewProbe(p.ServerURL,
		health.WithEndpoints(p.HealthEndpoints...),
		health.WithTimeout(p.HealthTimeout),
		health.WithHTTPClient(o.httpClient),
		health.WithRequestDecorator(decorate),
		health.WithHistory(health.NewHistory(healthHistorySize)),
		health.WithLogger(sub("health")),
	)

	switch p.Transport {
	case config.TransportWebSocket:
		ws, err := stream.NewWebSocketSource(p.ServerURL, p.EventPath, decorate)
		if err != nil {
			return nil, err
		}
		c.source = ws
	default:
		c.source = stream.NewHTTPSource(p.ServerURL,
			stream.WithPath(p.EventPath),
			stream.WithClient(o.httpClient),
			stream.WithRequestDecorator(decorate),
			stream.WithLogger(sub("stream")),
		)
	}

	c.guard = session.NewGuard(c.rest,
		session.WithSoftDeadline(p.OptimisticDeadline),
		session.WithLogger(sub("session")),
	)
	c.dispatcher = dispatch.New(sub("dispatch"))

	permOpts := []permission.Option{permission.WithLogger(sub("permission"))}
	if o.decider != nil {
		permOpts = append(permOpts, permission.WithDecider(o.decider))
	}
	c.permissions = permission.NewCoordinator(c.rest, permOpts...)
	c.unsubscribe = append(c.unsubscribe, c.permissions.Attach(c.dispatcher))

	c.normalizer = events.NewNormalizer(
		events.WithSessionHooks(lifecycle{guard: c.guard, permissions: c.permissions}),
		events.WithDiagnostics(c.onDiagnostic),
		events.WithLogger(sub("events")),
	)

	machineOpts := []connection.Option{connection.WithLogger(sub("connection"))}
	if o.sleep != nil {
		machineOpts = append(machineOpts, connection.WithSleep(o.sleep))
	}
	c.machine = connection.New(c.source, c.probe, c.policy(p.Reconnect), c.handleFrame, machineOpts...)
	c.unsubscribe = append(c.unsubscribe, c.machine.OnStateChange(c.onStateChange))

	return c, nil
}

func (c *Client) policy(r config.ReconnectConfig) *backoff.Policy {
	if c.random != nil {
		return backoff.NewPolicy(r.Backoff(), backoff.WithRandom(c.random))
	}
	return backoff.NewPolicy(r.Backoff())
}

// handleFrame runs on the reader goroutine, once per frame, in order.
func (c *Client) handleFrame(f stream.Frame) {
	dispatch.Emit(&c.frames, c.logger, "frame", f)
	c.dispatcher.DispatchAll(c.normalizer.Normalize(f))
}

func (c *Client) onDiagnostic(d events.Diagnostic) {
	c.logger.LogDiagnostic(d.Type, d.Reason)
	dispatch.Emit(&c.diagnostics, c.logger, "diagnostic", d)
}

// onStateChange surfaces a terminal failure as an ErrorEvent so that event
// consumers see it without watching the state.
func (c *Client) onStateChange(change connection.StateChange) {
	if change.To == connection.StateError && change.Err != nil {
		c.dispatcher.Dispatch(events.ErrorEvent{Err: change.Err})
	}
}

// Profile returns the effective profile.
func (c *Client) Profile() config.Profile {
	return c.profile
}

// Connect starts the event stream and returns immediately.
func (c *Client) Connect(ctx context.Context) {
	c.machine.Connect(ctx)
}

// Disconnect stops the event stream.
func (c *Client) Disconnect() {
	c.machine.Disconnect()
}

// Close disconnects and stops background permission work.
func (c *Client) Close() {
	c.machine.Disconnect()
	for _, u := range c.unsubscribe {
		u()
	}
	c.permissions.Close()
}

// State reports the connection state.
func (c *Client) State() connection.State {
	return c.machine.State()
}

// LastError is the error that put the connection in the error state.
func (c *Client) LastError() error {
	return c.machine.LastError()
}

// Healthy reports the last health check result.
func (c *Client) Healthy() bool {
	return c.machine.Healthy()
}

// CheckHealth probes the server now.
func (c *Client) CheckHealth(ctx context.Context) health.Result {
	return c.machine.CheckHealth(ctx)
}

// HealthHistory returns up to limit recent probe results, oldest first.
func (c *Client) HealthHistory(limit int) []health.Result {
	return c.probe.History().Recent(limit)
}

// HealthTrends summarizes probe results.
func (c *Client) HealthTrends() health.Trends {
	return c.probe.History().Trends(0)
}

// ApplyReconnect swaps the reconnect settings of the running machine.
func (c *Client) ApplyReconnect(r config.ReconnectConfig) {
	c.profile.Reconnect = r
	c.machine.SetPolicy(c.policy(r))
}

// Statistics returns REST request metrics.
func (c *Client) Statistics() protocol.Statistics {
	return c.rest.Statistics()
}

// Events exposes the typed listener registry.
func (c *Client) Events() *dispatch.Dispatcher {
	return c.dispatcher
}

// OnStateChange is called after every connection state transition.
func (c *Client) OnStateChange(fn func(connection.StateChange)) dispatch.Unsubscribe {
	return c.machine.OnStateChange(fn)
}

// OnHealthChange is called when the server flips between healthy and unhealthy.
func (c *Client) OnHealthChange(fn func(bool)) dispatch.Unsubscribe {
	return c.machine.OnHealthChange(fn)
}

// OnReconnectAttempt is called before each reconnect backoff.
func (c *Client) OnReconnectAttempt(fn func(connection.AttemptInfo)) dispatch.Unsubscribe {
	return c.machine.OnReconnectAttempt(fn)
}

// OnFrame receives every raw frame before it is normalized.
func (c *Client) OnFrame(fn func(stream.Frame)) dispatch.Unsubscribe {
	return c.frames.Add(fn)
}

// OnDiagnostic receives frames the normalizer dropped.
func (c *Client) OnDiagnostic(fn func(events.Diagnostic)) dispatch.Unsubscribe {
	return c.diagnostics.Add(fn)
}

// Sessions returns the local session registry.
func (c *Client) Sessions() *session.Registry {
	return c.guard.Sessions()
}

// InFlight reports the session with an outstanding submission. The id is
// empty while a session is being created.
func (c *Client) InFlight() (id string, ok bool) {
	return c.guard.InFlight()
}

// SelectSession makes id the current session.
func (c *Client) SelectSession(id string) error {
	return c.guard.Select(id)
}

// CreateSession creates a session and makes it current.
func (c *Client) CreateSession(ctx context.Context, title string) (*protocol.Session, error) {
	return c.guard.CreateSession(ctx, protocol.CreateSessionRequest{Title: title})
}

func (c *Client) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	return c.guard.GetSession(ctx, id)
}

func (c *Client) ListSessions(ctx context.Context) ([]protocol.Session, error) {
	return c.guard.ListSessions(ctx)
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.guard.DeleteSession(ctx, id)
}

func (c *Client) AbortSession(ctx context.Context, id string) error {
	return c.guard.AbortSession(ctx, id)
}

// SendMessage sends req to id. See session.Guard.SendMessage for the
// optimistic return.
func (c *Client) SendMessage(ctx context.Context, id string, req protocol.MessageRequest) (*session.MessageResult, error) {
	return c.guard.SendMessage(ctx, id, req)
}

// SendText sends a single text part to id.
func (c *Client) SendText(ctx context.Context, id, text string) (*session.MessageResult, error) {
	return c.guard.SendMessage(ctx, id, protocol.MessageRequest{Parts: []protocol.Part{protocol.TextPart(text)}})
}

// SendCommand runs a slash command in id and waits for the reply.
func (c *Client) SendCommand(ctx context.Context, id, command, arguments string) (*protocol.MessageResponse, error) {
	return c.guard.SendCommand(ctx, id, protocol.CommandRequest{Command: command, Arguments: arguments})
}

// RespondPermission answers a permission request raised on the stream.
func (c *Client) RespondPermission(ctx context.Context, sessionID, requestID string, approved bool, reason string) error {
	return c.permissions.Respond(ctx, sessionID, requestID, approved, reason)
}

// PendingPermissions lists unanswered permission requests.
func (c *Client) PendingPermissions() []events.PermissionRequest {
	return c.permissions.Pending()
}
