// Package permission tracks permission requests raised by the agent and
// sends the answers back to the server.
package permission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/universal-console/agentlink/internal/dispatch"
	apperrors "github.com/universal-console/agentlink/internal/errors"
	"github.com/universal-console/agentlink/internal/events"
	"github.com/universal-console/agentlink/internal/logging"
)

const (
	DefaultAttempts   = 2
	DefaultRetryDelay = 500 * time.Millisecond
)

// Decision is the answer to one request.
type Decision struct {
	Approved bool
	Reason   string
}

// Decider chooses an answer, typically by asking a person.
type Decider interface {
	Decide(ctx context.Context, req events.PermissionRequest) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req events.PermissionRequest) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, req events.PermissionRequest) (Decision, error) {
	return f(ctx, req)
}

// Responder delivers answers to the server.
type Responder interface {
	RespondPermission(ctx context.Context, sessionID, requestID string, approved bool, reason string) error
}

// Coordinator keeps the set of unanswered requests. Without a Decider,
// requests stay pending until Respond is called.
type Coordinator struct {
	responder  Responder
	decider    Decider
	logger     *logging.Logger
	attempts   int
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]events.PermissionRequest
	order   map[string]int
	next    int
}

type Option func(*Coordinator)

func WithDecider(d Decider) Option {
	return func(c *Coordinator) {
		c.decider = d
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetry sets how many times Respond tries and the pause between tries.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		c.sleep = fn
	}
}

func NewCoordinator(responder Responder, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		responder:  responder,
		logger:     logging.GetGlobalLogger().WithComponent("permission"),
		attempts:   DefaultAttempts,
		retryDelay: DefaultRetryDelay,
		sleep:      apperrors.SleepContext,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]events.PermissionRequest),
		order:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach subscribes the coordinator to permission requests on d.
func (c *Coordinator) Attach(d *dispatch.Dispatcher) dispatch.Unsubscribe {
	return d.OnPermissionRequest(c.Handle)
}

// Handle records req and, when a Decider is set, asks it in the background.
func (c *Coordinator) Handle(req events.PermissionRequest) {
	c.mu.Lock()
	if _, dup := c.pending[req.RequestID]; !dup {
		c.order[req.RequestID] = c.next
		c.next++
	}
	c.pending[req.RequestID] = req
	c.mu.Unlock()

	c.logger.Info("Permission requested",
		"session_id", req.SessionID,
		"request_id", req.RequestID,
		"operation", req.Operation,
		"resource", req.ResourcePath)

	if c.decider == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.decide(req)
	}()
}

func (c *Coordinator) decide(req events.PermissionRequest) {
	var (
		d   Decision
		err error
	)
	if perr := apperrors.Guard(c.logger, "permission", "decide", func() {
		d, err = c.decider.Decide(c.ctx, req)
	}); perr != nil {
		return
	}
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("Permission decision failed", "request_id", req.RequestID, "error", err.Error())
		}
		return
	}
	if err := c.Respond(c.ctx, req.SessionID, req.RequestID, d.Approved, d.Reason); err != nil {
		c.logger.Error("Permission response failed", "request_id", req.RequestID, "error", err.Error())
	}
}

// Respond sends the answer, trying up to the configured number of times.
// The error of the last attempt is returned only when every attempt fails.
func (c *Coordinator) Respond(ctx context.Context, sessionID, requestID string, approved bool, reason string) error {
	rc := apperrors.NewRetryContext(c.attempts, c.retryDelay)
	rc.Logger = c.logger
	rc.Sleep = c.sleep

	err := rc.Do(ctx, func(ctx context.Context) error {
		return c.responder.RespondPermission(ctx, sessionID, requestID, approved, reason)
	})
	if err != nil {
		return apperrors.NewErrorBuilder(apperrors.ErrorTypeProtocol, "permission").
			WithOperation("respond").
			WithMessagef("permission response failed after %d attempts", rc.AttemptCount).
			WithCause(err).
			WithContext("session_id", sessionID).
			WithContext("request_id", requestID).
			WithSeverity(apperrors.SeverityHigh).
			WithoutStackTrace().
			WithLogger(c.logger).
			Build()
	}

	c.mu.Lock()
	delete(c.pending, requestID)
	delete(c.order, requestID)
	c.mu.Unlock()
	c.logger.Info("Permission answered", "request_id", requestID, "approved", approved)
	return nil
}

// Pending returns unanswered requests in arrival order.
func (c *Coordinator) Pending() []events.PermissionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.PermissionRequest, 0, len(c.pending))
	for _, r := range c.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return c.order[out[i].RequestID] < c.order[out[j].RequestID]
	})
	return out
}

// Forget drops every pending request of sessionID, for example when the
// session ends.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range c.pending {
		if r.SessionID == sessionID {
			delete(c.pending, id)
			delete(c.order, id)
		}
	}
}

// Close stops outstanding decisions and waits for them.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}
