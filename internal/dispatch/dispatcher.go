// Package dispatch fans canonical events out to registered listeners.
// Listeners of one kind run in registration order; a panicking listener is
// logged and skipped without affecting its siblings or the caller.
package dispatch

import (
	"github.com/universal-console/agentlink/internal/events"
	"github.com/universal-console/agentlink/internal/logging"
)

// Dispatcher owns one listener list per event kind.
type Dispatcher struct {
	token      Listeners[events.StreamToken]
	thinking   Listeners[events.StreamThinking]
	progress   Listeners[events.ProgressUpdate]
	sessionEnd Listeners[events.SessionEnd]
	permission Listeners[events.PermissionRequest]
	errs       Listeners[events.ErrorEvent]
	unhandled  Listeners[events.Unhandled]
	all        Listeners[events.Event]

	logger *logging.Logger
}

// New creates a dispatcher. A nil logger uses the dispatch component logger.
func New(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.GetDispatchLogger()
	}
	return &Dispatcher{logger: logger}
}

// OnToken receives streamed text deltas.
func (d *Dispatcher) OnToken(fn func(events.StreamToken)) Unsubscribe {
	return d.token.Add(fn)
}

// OnThinking receives reasoning deltas.
func (d *Dispatcher) OnThinking(fn func(events.StreamThinking)) Unsubscribe {
	return d.thinking.Add(fn)
}

// OnProgress receives tool progress updates.
func (d *Dispatcher) OnProgress(fn func(events.ProgressUpdate)) Unsubscribe {
	return d.progress.Add(fn)
}

// OnSessionEnd receives idle, ended and aborted notices.
func (d *Dispatcher) OnSessionEnd(fn func(events.SessionEnd)) Unsubscribe {
	return d.sessionEnd.Add(fn)
}

// OnPermissionRequest receives requests that need a user decision.
func (d *Dispatcher) OnPermissionRequest(fn func(events.PermissionRequest)) Unsubscribe {
	return d.permission.Add(fn)
}

// OnError receives errors reported by the server.
func (d *Dispatcher) OnError(fn func(events.ErrorEvent)) Unsubscribe {
	return d.errs.Add(fn)
}

// OnUnhandled receives events of a type the decoder does not know.
func (d *Dispatcher) OnUnhandled(fn func(events.Unhandled)) Unsubscribe {
	return d.unhandled.Add(fn)
}

// OnEvent receives every event after the kind-specific listeners.
func (d *Dispatcher) OnEvent(fn func(events.Event)) Unsubscribe {
	return d.all.Add(fn)
}

// Dispatch delivers ev to its listeners and returns how many of them panicked.
func (d *Dispatcher) Dispatch(ev events.Event) int {
	var failed int
	switch e := ev.(type) {
	case events.StreamToken:
		failed = Emit(&d.token, d.logger, e.Kind(), e)
	case events.StreamThinking:
		failed = Emit(&d.thinking, d.logger, e.Kind(), e)
	case events.ProgressUpdate:
		failed = Emit(&d.progress, d.logger, e.Kind(), e)
	case events.SessionEnd:
		failed = Emit(&d.sessionEnd, d.logger, e.Kind(), e)
	case events.PermissionRequest:
		failed = Emit(&d.permission, d.logger, e.Kind(), e)
	case events.ErrorEvent:
		failed = Emit(&d.errs, d.logger, e.Kind(), e)
	case events.Unhandled:
		failed = Emit(&d.unhandled, d.logger, e.Kind(), e)
	default:
		d.logger.Warn("Unknown event variant", "kind", ev.Kind())
		return 0
	}
	return failed + Emit(&d.all, d.logger, ev.Kind(), ev)
}

// DispatchAll delivers events in order.
func (d *Dispatcher) DispatchAll(evs []events.Event) {
	for _, ev := range evs {
		d.Dispatch(ev)
	}
}

// ListenerCount reports how many listeners are registered for kind.
func (d *Dispatcher) ListenerCount(kind events.Kind) int {
	switch kind {
	case events.KindToken:
		return d.token.Len()
	case events.KindThinking:
		return d.thinking.Len()
	case events.KindProgress:
		return d.progress.Len()
	case events.KindSessionEnd:
		return d.sessionEnd.Len()
	case events.KindPermissionRequest:
		return d.permission.Len()
	case events.KindError:
		return d.errs.Len()
	case events.KindUnhandled:
		return d.unhandled.Len()
	}
	return 0
}
