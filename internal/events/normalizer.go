package events

import (
	"errors"
	"fmt"

	"github.com/universal-console/agentlink/internal/logging"
	"github.com/universal-console/agentlink/internal/stream"
)

// Raw event types understood by the normalizer.
const (
	TypeMessagePartUpdated = "message.part.updated"
	TypeMessageUpdated     = "message.updated"
	TypeSessionIdle        = "session.idle"
	TypeSessionCompleted   = "session.completed"
	TypeSessionStatus      = "session.status"
	TypeSessionProgress    = "session.progress"
	TypeSessionEnded       = "session.ended"
	TypeSessionAborted     = "session.aborted"
	TypeSessionError       = "session.error"
	TypePermissionRequest  = "permission.request"
)

// DefaultEndReason is used when a session end event carries no reason.
const DefaultEndReason = "completed"

// SessionHooks receives the session lifecycle side effects of the feed.
// The session guard implements it.
type SessionHooks interface {
	// SessionIdle is called when a session finished its current turn.
	SessionIdle(sessionID string)
	// SessionEnded is called when a session was ended or aborted.
	SessionEnded(sessionID string)
}

// Diagnostic describes a frame that was dropped.
type Diagnostic struct {
	Type   string
	Reason string
	Raw    any
}

// Normalizer converts frames into canonical events. It keeps no state of
// its own between frames.
type Normalizer struct {
	hooks        SessionHooks
	onDiagnostic func(Diagnostic)
	logger       *logging.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSessionHooks wires session lifecycle side effects.
func WithSessionHooks(h SessionHooks) Option {
	return func(n *Normalizer) {
		n.hooks = h
	}
}

// WithDiagnostics receives every dropped frame.
func WithDiagnostics(fn func(Diagnostic)) Option {
	return func(n *Normalizer) {
		n.onDiagnostic = fn
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *logging.Logger) Option {
	return func(n *Normalizer) {
		n.logger = l
	}
}

// NewNormalizer creates a normalizer.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{logger: logging.GetStreamLogger()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts one frame into zero or more events. It never panics;
// a frame that cannot be handled is reported as a diagnostic.
func (n *Normalizer) Normalize(f stream.Frame) (out []Event) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			n.diagnose("", fmt.Sprintf("normalizer panic: %v", r), f.Payload)
		}
	}()

	obj, ok := f.Object()
	if !ok {
		return []Event{Unhandled{Raw: f.Payload}}
	}
	return n.NormalizeObject(obj)
}

// NormalizeObject converts a decoded JSON object into events.
func (n *Normalizer) NormalizeObject(obj map[string]any) []Event {
	typ, _ := obj["type"].(string)
	sessionID := SessionID(obj)

	switch typ {
	case TypeMessagePartUpdated, TypeMessageUpdated:
		return n.messagePart(typ, sessionID, obj)
	case TypeSessionIdle, TypeSessionCompleted:
		return n.idle(sessionID)
	case TypeSessionStatus:
		if lookupString(obj, "properties.status.type", "data.status.type", "status.type") == "idle" {
			return n.idle(sessionID)
		}
		return []Event{Unhandled{RawType: typ, SessionID: sessionID, Raw: obj}}
	case TypeSessionProgress:
		progress, ok := lookup(obj, "data.progress", "progress", "properties.progress")
		if !ok {
			n.diagnose(typ, "progress event without payload", obj)
			return nil
		}
		return []Event{ProgressUpdate{SessionID: sessionID, Payload: progress}}
	case TypeSessionEnded, TypeSessionAborted:
		return n.ended(sessionID, obj)
	case TypeSessionError:
		return n.sessionError(sessionID, obj)
	case TypePermissionRequest:
		return n.permission(typ, sessionID, obj)
	case "":
		if role, _ := obj["role"].(string); role == "assistant" {
			if parts, ok := obj["parts"].([]any); ok {
				return n.legacyParts(sessionID, parts)
			}
		}
		return []Event{Unhandled{SessionID: sessionID, Raw: obj}}
	default:
		return []Event{Unhandled{RawType: typ, SessionID: sessionID, Raw: obj}}
	}
}

func (n *Normalizer) messagePart(typ, sessionID string, obj map[string]any) []Event {
	part := lookupObject(obj, scoped("part")...)
	text := lookupString(obj, scoped("delta")...)
	var partType string
	if part != nil {
		partType, _ = part["type"].(string)
		if text == "" {
			text, _ = part["text"].(string)
		}
	}

	if ev, ok := partEvent(sessionID, partType, text); ok {
		return []Event{ev}
	}
	return []Event{Unhandled{RawType: typ, SessionID: sessionID, Raw: obj}}
}

// partEvent maps a message part to a token or thinking event. Parts with
// no text or an unknown type produce nothing.
func partEvent(sessionID, partType, text string) (Event, bool) {
	if text == "" {
		return nil, false
	}
	switch partType {
	case "text", "":
		return StreamToken{SessionID: sessionID, Text: text}, true
	case "reasoning", "thinking":
		return StreamThinking{SessionID: sessionID, Text: text}, true
	}
	return nil, false
}

func (n *Normalizer) idle(sessionID string) []Event {
	if n.hooks != nil && sessionID != "" {
		n.hooks.SessionIdle(sessionID)
	}
	return []Event{StreamToken{SessionID: sessionID, Done: true}}
}

func (n *Normalizer) ended(sessionID string, obj map[string]any) []Event {
	if n.hooks != nil && sessionID != "" {
		n.hooks.SessionEnded(sessionID)
	}
	reason := lookupString(obj, "data.reason", "reason", "properties.reason")
	if reason == "" {
		reason = DefaultEndReason
	}
	return []Event{SessionEnd{SessionID: sessionID, Reason: reason}}
}

func (n *Normalizer) sessionError(sessionID string, obj map[string]any) []Event {
	if n.hooks != nil && sessionID != "" {
		n.hooks.SessionIdle(sessionID)
	}
	msg := lookupString(obj,
		"properties.error.data.message",
		"properties.error.message",
		"properties.error",
		"data.error.message",
		"data.error",
		"error.message",
		"error",
		"message",
	)
	if msg == "" {
		msg = "session error"
	}
	return []Event{ErrorEvent{SessionID: sessionID, Err: errors.New(msg)}}
}

func (n *Normalizer) permission(typ, sessionID string, obj map[string]any) []Event {
	req := PermissionRequest{
		SessionID:    sessionID,
		RequestID:    lookupString(obj, scoped("requestId")...),
		Operation:    lookupString(obj, scoped("operation")...),
		ResourcePath: lookupString(obj, scoped("resourcePath")...),
	}
	if req.RequestID == "" || req.Operation == "" || req.ResourcePath == "" {
		n.diagnose(typ, "permission request missing requestId, operation or resourcePath", obj)
		return nil
	}
	if ctx, ok := lookup(obj, scoped("context")...); ok {
		req.Context = ctx
	}
	return []Event{req}
}

func (n *Normalizer) legacyParts(sessionID string, parts []any) []Event {
	var out []Event
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		partType, _ := part["type"].(string)
		text, _ := part["text"].(string)
		if ev, ok := partEvent(sessionID, partType, text); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (n *Normalizer) diagnose(typ, reason string, raw any) {
	n.logger.LogDiagnostic(typ, reason)
	if n.onDiagnostic != nil {
		n.onDiagnostic(Diagnostic{Type: typ, Reason: reason, Raw: raw})
	}
}
