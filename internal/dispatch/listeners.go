package dispatch

import (
	"sync"

	apperrors "github.com/universal-console/agentlink/internal/errors"
	"github.com/universal-console/agentlink/internal/logging"
)

// Unsubscribe removes a listener. Calling it more than once is harmless.
type Unsubscribe func()

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Listeners is an ordered, concurrency-safe list of callbacks. The zero
// value is ready to use.
type Listeners[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

// Add registers fn and returns its Unsubscribe.
func (s *Listeners[T]) Add(fn func(T)) Unsubscribe {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, entry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Listeners[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *Listeners[T]) snapshot() []entry[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entry[T], len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of registered listeners.
func (s *Listeners[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Emit calls every listener outside the lock. A panicking listener is
// logged and skipped; Emit returns how many panicked.
func Emit[T any, K ~string](s *Listeners[T], logger *logging.Logger, name K, v T) int {
	failed := 0
	for _, e := range s.snapshot() {
		if err := apperrors.Guard(logger, logger.Component(), string(name), func() { e.fn(v) }); err != nil {
			failed++
		}
	}
	return failed
}
