// Package events defines the canonical events produced from the raw feed and
// the normalizer that reconciles the server's envelope shapes into them.
package events

// Kind identifies a canonical event variant.
type Kind string

const (
	KindToken             Kind = "token"
	KindThinking          Kind = "thinking"
	KindProgress          Kind = "progress"
	KindSessionEnd        Kind = "session_end"
	KindPermissionRequest Kind = "permission_request"
	KindError             Kind = "error"
	KindUnhandled         Kind = "unhandled"
)

// Event is implemented by every canonical event.
type Event interface {
	Kind() Kind
	Session() string
	isEvent()
}

// StreamToken carries assistant text. Done marks the end of a turn and
// has empty Text.
type StreamToken struct {
	SessionID string
	Text      string
	Done      bool
}

// StreamThinking carries reasoning text.
type StreamThinking struct {
	SessionID string
	Text      string
}

// ProgressUpdate carries an opaque progress payload.
type ProgressUpdate struct {
	SessionID string
	Payload   any
}

// SessionEnd reports that a session finished or was aborted.
type SessionEnd struct {
	SessionID string
	Reason    string
}

// PermissionRequest asks the user to approve an operation on a resource.
type PermissionRequest struct {
	SessionID    string
	RequestID    string
	Operation    string
	ResourcePath string
	Context      any
}

// ErrorEvent reports a failure, either from the server or from the client
// itself. SessionID is empty when the error is not tied to a session.
type ErrorEvent struct {
	SessionID string
	Err       error
}

// Unhandled wraps a well-formed frame whose type is not recognized.
type Unhandled struct {
	RawType   string
	SessionID string
	Raw       any
}

func (StreamToken) Kind() Kind       { return KindToken }
func (StreamThinking) Kind() Kind    { return KindThinking }
func (ProgressUpdate) Kind() Kind    { return KindProgress }
func (SessionEnd) Kind() Kind        { return KindSessionEnd }
func (PermissionRequest) Kind() Kind { return KindPermissionRequest }
func (ErrorEvent) Kind() Kind        { return KindError }
func (Unhandled) Kind() Kind         { return KindUnhandled }

func (e StreamToken) Session() string       { return e.SessionID }
func (e StreamThinking) Session() string    { return e.SessionID }
func (e ProgressUpdate) Session() string    { return e.SessionID }
func (e SessionEnd) Session() string        { return e.SessionID }
func (e PermissionRequest) Session() string { return e.SessionID }
func (e ErrorEvent) Session() string        { return e.SessionID }
func (e Unhandled) Session() string         { return e.SessionID }

func (StreamToken) isEvent()       {}
func (StreamThinking) isEvent()    {}
func (ProgressUpdate) isEvent()    {}
func (SessionEnd) isEvent()        {}
func (PermissionRequest) isEvent() {}
func (ErrorEvent) isEvent()        {}
func (Unhandled) isEvent()         {}

// Error returns the wrapped error message.
func (e ErrorEvent) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}
