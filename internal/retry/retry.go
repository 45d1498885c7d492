// Package retry bounds recovery from protocol failures: the first failure
// arms a single delayed reload, later failures are ignored until a liveness
// signal clears it.
package retry

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultDelay is the wait between a failure and the reload.
const DefaultDelay = 30 * time.Second

// Supervisor holds at most one pending reload.
type Supervisor struct {
	delay  time.Duration
	reload func()

	mu      sync.Mutex
	pending *time.Timer
	gen     uint64
}

// New returns a supervisor calling reload delay after an unanswered failure.
// reload runs on its own goroutine.
func New(delay time.Duration, reload func()) *Supervisor {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Supervisor{delay: delay, reload: reload}
}

// Fail arms the reload timer unless one is already pending. It reports
// whether a timer was armed.
func (s *Supervisor) Fail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return false
	}
	s.gen++
	gen := s.gen
	slog.Error("retry: session failed, reloading later", "delay", s.delay)
	s.pending = time.AfterFunc(s.delay, func() { s.fire(gen) })
	return true
}

// Alive clears a pending reload: the session has shown it is working.
func (s *Supervisor) Alive() {
	s.clear("liveness")
}

// Cancel clears a pending reload, e.g. when the session it belongs to is
// torn down.
func (s *Supervisor) Cancel() {
	s.clear("cancel")
}

// Pending reports whether a reload is armed.
func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Supervisor) clear(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	s.pending.Stop()
	s.pending = nil
	// a callback already past Stop sees a newer generation and returns
	s.gen++
	slog.Debug("retry: pending reload cleared", "reason", reason)
}

func (s *Supervisor) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.pending == nil {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()
	slog.Warn("retry: reloading session")
	s.reload()
}
