package errors

import (
	"fmt"

	"github.com/universal-console/agentlink/internal/logging"
)

// Guard runs fn and converts a panic into a *ContextualError of type
// listener. The panic is logged through logger and never propagates.
func Guard(logger *logging.Logger, component, operation string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b := NewErrorBuilder(ErrorTypeListener, component).
				WithOperation(operation).
				WithMessage(fmt.Sprintf("recovered panic: %v", r)).
				WithSeverity(SeverityMedium).
				WithContext("panic", fmt.Sprint(r))
			if logger != nil {
				b = b.WithLogger(logger)
			}
			if cause, ok := r.(error); ok {
				b = b.WithCause(cause)
			}
			err = b.Build()
		}
	}()
	fn()
	return nil
}
