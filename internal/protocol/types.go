// Package protocol implements the REST side of the agent server API: session
// lifecycle, message and command submission, and permission answers.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Endpoint paths
const (
	EndpointSessions = "/session"
)

// Request timeouts
const (
	DefaultRequestTimeout = 10 * time.Second
	LongRequestTimeout    = 60 * time.Second
)

// Permission answers understood by the server.
const (
	PermissionOnce   = "once"
	PermissionReject = "reject"
)

// SessionTime carries server timestamps in Unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

// Session is the server's view of one agent session.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title,omitempty"`
	ParentID  string      `json:"parentID,omitempty"`
	Directory string      `json:"directory,omitempty"`
	Version   string      `json:"version,omitempty"`
	Time      SessionTime `json:"time,omitempty"`
}

// CreatedAt converts the creation timestamp.
func (s Session) CreatedAt() time.Time {
	if s.Time.Created == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.Time.Created)
}

// CreateSessionRequest is the body of POST /session.
type CreateSessionRequest struct {
	Title    string `json:"title,omitempty"`
	ParentID string `json:"parentID,omitempty"`
}

// Part is one piece of a message.
type Part struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// ModelRef selects a provider model for a message.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// MessageRequest is the body of POST /session/{id}/message.
type MessageRequest struct {
	MessageID string    `json:"messageID,omitempty"`
	Model     *ModelRef `json:"model,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Parts     []Part    `json:"parts"`
}

// MessageInfo describes a stored message.
type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID,omitempty"`
	Role      string `json:"role,omitempty"`
}

// MessageResponse is returned by the message and command endpoints.
type MessageResponse struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts,omitempty"`
}

// Text joins the text parts of the response.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// CommandRequest is the body of POST /session/{id}/command.
type CommandRequest struct {
	MessageID string `json:"messageID,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Model     string `json:"model,omitempty"`
	Command   string `json:"command"`
	Arguments string `json:"arguments"`
}

// PermissionResponse is the body of POST /session/{id}/permissions/{requestID}.
type PermissionResponse struct {
	Response string `json:"response"`
	Reason   string `json:"reason,omitempty"`
}

// Statistics tracks request metrics for diagnostics.
type Statistics struct {
	TotalRequests       int           `json:"totalRequests"`
	SuccessfulRequests  int           `json:"successfulRequests"`
	FailedRequests      int           `json:"failedRequests"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	LastRequestTime     time.Time     `json:"lastRequestTime"`
	BytesSent           int64         `json:"bytesSent"`
	BytesReceived       int64         `json:"bytesReceived"`
}

// HTTPErrorDetails describes a non-2xx response.
type HTTPErrorDetails struct {
	StatusCode  int    `json:"statusCode"`
	StatusText  string `json:"statusText"`
	Body        string `json:"body,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	RetryAfter  string `json:"retryAfter,omitempty"`
}

// NetworkErrorDetails describes a transport failure.
type NetworkErrorDetails struct {
	ErrorType   string        `json:"errorType"` // "timeout", "canceled", "network_failure"
	Timeout     time.Duration `json:"timeout,omitempty"`
	LastAttempt time.Time     `json:"lastAttempt"`
}

// Error types
const (
	ErrorTypeNetwork  = "network"
	ErrorTypeHTTP     = "http"
	ErrorTypeProtocol = "protocol"
)

// ProtocolError is returned by every Client call that fails.
type ProtocolError struct {
	Type           string               `json:"type"`
	Message        string               `json:"message"`
	Method         string               `json:"method,omitempty"`
	Path           string               `json:"path,omitempty"`
	RequestID      string               `json:"requestId,omitempty"`
	HTTPDetails    *HTTPErrorDetails    `json:"httpDetails,omitempty"`
	NetworkDetails *NetworkErrorDetails `json:"networkDetails,omitempty"`
	OriginalError  error                `json:"-"`
	Timestamp      time.Time            `json:"timestamp"`
	Recoverable    bool                 `json:"recoverable"`
}

func (pe *ProtocolError) Error() string {
	return pe.Message
}

func (pe *ProtocolError) Unwrap() error {
	return pe.OriginalError
}

// StatusCode returns the HTTP status, or 0 when no response was received.
func (pe *ProtocolError) StatusCode() int {
	if pe.HTTPDetails == nil {
		return 0
	}
	return pe.HTTPDetails.StatusCode
}

// IsRetryable reports whether repeating the request might succeed.
func (pe *ProtocolError) IsRetryable() bool {
	switch pe.Type {
	case ErrorTypeNetwork:
		return pe.NetworkDetails == nil || pe.NetworkDetails.ErrorType != "canceled"
	case ErrorTypeHTTP:
		code := pe.StatusCode()
		return code == 408 || code == 429 || code >= 500
	case ErrorTypeProtocol:
		return false
	default:
		return pe.Recoverable
	}
}

// ValidationError rejects a request before it is sent.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", ve.Field, ve.Message)
}

// RequestValidator checks requests before transmission.
type RequestValidator struct {
	maxIDLength int
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{maxIDLength: 256}
}

// ValidateID rejects empty ids and ids that would escape their path segment.
func (rv *RequestValidator) ValidateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	if len(id) > rv.maxIDLength {
		return &ValidationError{Field: field, Message: fmt.Sprintf("exceeds %d characters", rv.maxIDLength)}
	}
	if strings.ContainsAny(id, "/?#") {
		return &ValidationError{Field: field, Message: "contains reserved characters"}
	}
	return nil
}

func (rv *RequestValidator) ValidateMessageRequest(req *MessageRequest) error {
	if len(req.Parts) == 0 {
		return &ValidationError{Field: "parts", Message: "at least one part is required"}
	}
	for i, p := range req.Parts {
		if p.Type == "" {
			return &ValidationError{Field: fmt.Sprintf("parts[%d].type", i), Message: "must not be empty"}
		}
	}
	return nil
}

func (rv *RequestValidator) ValidateCommandRequest(req *CommandRequest) error {
	if strings.TrimSpace(req.Command) == "" {
		return &ValidationError{Field: "command", Message: "must not be empty"}
	}
	return nil
}
