// Package errors provides contextual errors for agentlink. A ContextualError
// records which component and operation failed, how severe the failure is,
// and whether the caller may retry. ErrorBuilder constructs and logs them.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/universal-console/agentlink/internal/logging"
)

// ErrorType categorizes different types of errors for appropriate handling
type ErrorType string

const (
	ErrorTypeConnection     ErrorType = "connection"
	ErrorTypeHealth         ErrorType = "health"
	ErrorTypeProtocol       ErrorType = "protocol"
	ErrorTypeSession        ErrorType = "session"
	ErrorTypeListener       ErrorType = "listener"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeConfiguration  ErrorType = "configuration"
	ErrorTypeValidation     ErrorType = "validation"
)

// ErrorSeverity indicates the impact level of an error
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// ContextualError provides enhanced error information with diagnostic context
type ContextualError struct {
	Type        ErrorType      `json:"type"`
	Severity    ErrorSeverity  `json:"severity"`
	Message     string         `json:"message"`
	Component   string         `json:"component"`
	Operation   string         `json:"operation,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	StackTrace  []string       `json:"stackTrace,omitempty"`
	Cause       error          `json:"-"`
	Recoverable bool           `json:"recoverable"`
}

// Error implements the error interface
func (e *ContextualError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Type, e.Message)
}

// Unwrap provides access to the underlying error
func (e *ContextualError) Unwrap() error {
	return e.Cause
}

// IsRecoverable indicates if the error can potentially be resolved by retrying
func (e *ContextualError) IsRecoverable() bool {
	return e.Recoverable
}

// ErrorBuilder provides a fluent interface for creating contextual errors
type ErrorBuilder struct {
	err          *ContextualError
	logger       *logging.Logger
	captureStack bool
	silent       bool
}

// NewErrorBuilder creates a new error builder with default settings
func NewErrorBuilder(errorType ErrorType, component string) *ErrorBuilder {
	return &ErrorBuilder{
		err: &ContextualError{
			Type:        errorType,
			Severity:    SeverityMedium,
			Component:   component,
			Context:     make(map[string]any),
			Timestamp:   time.Now(),
			Recoverable: true,
		},
		captureStack: true,
	}
}

// WithSeverity sets the error severity level
func (eb *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	eb.err.Severity = severity
	return eb
}

// WithMessage sets the error message
func (eb *ErrorBuilder) WithMessage(message string) *ErrorBuilder {
	eb.err.Message = message
	return eb
}

// WithMessagef sets a formatted error message
func (eb *ErrorBuilder) WithMessagef(format string, args ...any) *ErrorBuilder {
	eb.err.Message = fmt.Sprintf(format, args...)
	return eb
}

// WithOperation sets the operation that failed
func (eb *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	eb.err.Operation = operation
	return eb
}

// WithCause sets the underlying error that caused this error
func (eb *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	eb.err.Cause = cause
	return eb
}

// WithContext adds contextual information to the error
func (eb *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	eb.err.Context[key] = value
	return eb
}

// WithRecoverable sets whether the error is recoverable
func (eb *ErrorBuilder) WithRecoverable(recoverable bool) *ErrorBuilder {
	eb.err.Recoverable = recoverable
	return eb
}

// WithLogger overrides the logger used by Build.
func (eb *ErrorBuilder) WithLogger(logger *logging.Logger) *ErrorBuilder {
	eb.logger = logger
	return eb
}

// WithoutStackTrace disables stack trace capture
func (eb *ErrorBuilder) WithoutStackTrace() *ErrorBuilder {
	eb.captureStack = false
	return eb
}

// Silent builds the error without logging it.
func (eb *ErrorBuilder) Silent() *ErrorBuilder {
	eb.silent = true
	return eb
}

// Build creates the contextual error and logs it according to its severity
func (eb *ErrorBuilder) Build() *ContextualError {
	if eb.captureStack {
		eb.err.StackTrace = captureStackTrace(2)
	}
	if eb.silent {
		return eb.err
	}

	logger := eb.logger
	if logger == nil {
		logger = logging.GetGlobalLogger().WithComponent(eb.err.Component)
	}

	logFields := map[string]any{
		"error_type":  eb.err.Type,
		"severity":    eb.err.Severity,
		"recoverable": eb.err.Recoverable,
	}
	if eb.err.Operation != "" {
		logFields["operation"] = eb.err.Operation
	}
	for k, v := range eb.err.Context {
		logFields["ctx_"+k] = v
	}

	logMessage := eb.err.Message
	if eb.err.Cause != nil {
		logMessage = fmt.Sprintf("%s: %v", eb.err.Message, eb.err.Cause)
	}

	l := logger.WithFields(logFields)
	switch eb.err.Severity {
	case SeverityCritical, SeverityHigh:
		l.Error(logMessage)
	case SeverityMedium:
		l.Warn(logMessage)
	default:
		l.Debug(logMessage)
	}

	return eb.err
}

func captureStackTrace(skip int) []string {
	var traces []string
	for i := skip; i < skip+10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		funcName := "unknown"
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName = fn.Name()
		}
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}

		traces = append(traces, fmt.Sprintf("%s:%d %s", file, line, funcName))
	}
	return traces
}

// NewConnectionError starts a high severity connection error.
func NewConnectionError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeConnection, component).WithSeverity(SeverityHigh)
}

func NewHealthError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeHealth, component).WithSeverity(SeverityMedium)
}

func NewSessionError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeSession, component).WithSeverity(SeverityMedium)
}

func NewAuthenticationError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeAuthentication, component).WithSeverity(SeverityHigh)
}

func NewConfigurationError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeConfiguration, component).WithSeverity(SeverityMedium)
}

func NewValidationError(component string) *ErrorBuilder {
	return NewErrorBuilder(ErrorTypeValidation, component).WithSeverity(SeverityMedium)
}

// ErrorChain collects related errors, e.g. every problem found while
// validating a configuration file.
type ErrorChain struct {
	errors []error
}

// NewErrorChain creates a new error chain
func NewErrorChain() *ErrorChain {
	return &ErrorChain{}
}

// Add appends an error to the chain; nil errors are ignored
func (ec *ErrorChain) Add(err error) *ErrorChain {
	if err != nil {
		ec.errors = append(ec.errors, err)
	}
	return ec
}

// HasErrors returns true if the chain contains any errors
func (ec *ErrorChain) HasErrors() bool {
	return len(ec.errors) > 0
}

// Errors returns all errors in the chain
func (ec *ErrorChain) Errors() []error {
	return ec.errors
}

// Join returns every error in the chain as one error, or nil when the
// chain is empty.
func (ec *ErrorChain) Join() error {
	return stderrors.Join(ec.errors...)
}
