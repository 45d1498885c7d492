// Package ignition supervises the shutdown countdown that starts when the
// vehicle ignition goes off.
//
// The supervisor moves between Running, Warning (shutdown timer live) and
// Dismissed (extended timer live). Ignition on always returns to Running.
package ignition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mil-ad/carlinkd/internal/state"
)

// shutdownTimeout bounds a single shutdown request.
const shutdownTimeout = 5 * time.Second

// Config holds the settings the countdown depends on.
type Config struct {
	AutoShutdown  bool
	ShutdownDelay time.Duration
	DismissPeriod time.Duration
}

// PowerController performs the actual shutdown.
type PowerController interface {
	RequestShutdown(ctx context.Context) error
}

// ModalView shows and hides the user-facing warning. *state.Store
// implements it.
type ModalView interface {
	SetModal(state.Modal)
	HideModal()
}

// Phase is the supervisor's current state.
type Phase int

const (
	Running Phase = iota
	Warning
	Dismissed
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Warning:
		return "warning"
	case Dismissed:
		return "dismissed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Supervisor owns the shutdown and extended timers. At most one of them is
// live at any time.
type Supervisor struct {
	modal ModalView
	power PowerController

	mu       sync.Mutex
	cfg      Config
	ignition bool
	shutdown *time.Timer
	extended *time.Timer
	gen      uint64
	modalOn  bool
	closed   bool
}

// New returns a supervisor with the ignition on.
func New(cfg Config, modal ModalView, power PowerController) *Supervisor {
	return &Supervisor{cfg: cfg, modal: modal, power: power, ignition: true}
}

// SetIgnition reports a new ignition status.
func (s *Supervisor) SetIgnition(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || on == s.ignition {
		return
	}
	s.ignition = on
	slog.Info("ignition: status changed", "on", on)
	s.evaluate()
}

// SetConfig replaces the settings and restarts the countdown if one applies.
func (s *Supervisor) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.cfg = cfg
	s.evaluate()
}

// Dismiss hides a visible warning and holds off the countdown for the
// dismiss period. The warning stays dismissable after its timer fired, in
// case the power off did not happen. It reports whether a warning was
// dismissed.
func (s *Supervisor) Dismiss() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.shutdown == nil && !s.modalOn) {
		return false
	}
	s.stopTimers()
	s.hideModal()
	gen := s.gen
	s.extended = time.AfterFunc(s.cfg.DismissPeriod, func() { s.rearm(gen) })
	slog.Info("ignition: warning dismissed", "period", s.cfg.DismissPeriod)
	return true
}

// Phase returns the current state.
func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.shutdown != nil:
		return Warning
	case s.extended != nil:
		return Dismissed
	}
	return Running
}

// Close cancels both timers and hides the warning. Later calls are ignored.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stopTimers()
	s.hideModal()
}

// evaluate cancels whatever is running and starts over from the current
// ignition status and settings. Callers hold mu.
func (s *Supervisor) evaluate() {
	s.stopTimers()
	if !s.ignition && s.cfg.AutoShutdown {
		s.warn()
		return
	}
	s.hideModal()
}

// warn shows the modal and arms the shutdown timer. Callers hold mu with
// both timers stopped.
func (s *Supervisor) warn() {
	s.modal.SetModal(state.Modal{
		Visible: true,
		Title:   "Ignition Off.",
		Body: fmt.Sprintf("System will shut down in %d seconds to prevent battery drain. Click to dismiss for %d minutes.",
			int(s.cfg.ShutdownDelay/time.Second), int(s.cfg.DismissPeriod/time.Minute)),
		Button: "DISMISS",
	})
	s.modalOn = true
	gen := s.gen
	s.shutdown = time.AfterFunc(s.cfg.ShutdownDelay, func() { s.fire(gen) })
	slog.Warn("ignition: shutdown scheduled", "delay", s.cfg.ShutdownDelay)
}

func (s *Supervisor) hideModal() {
	if !s.modalOn {
		return
	}
	s.modal.HideModal()
	s.modalOn = false
}

// stopTimers cancels both timers. Bumping gen makes a callback that already
// started return without effect.
func (s *Supervisor) stopTimers() {
	if s.shutdown != nil {
		s.shutdown.Stop()
		s.shutdown = nil
	}
	if s.extended != nil {
		s.extended.Stop()
		s.extended = nil
	}
	s.gen++
}

func (s *Supervisor) rearm(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.extended == nil {
		return
	}
	s.extended = nil
	if s.ignition || !s.cfg.AutoShutdown {
		return
	}
	s.warn()
}

func (s *Supervisor) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.shutdown == nil {
		s.mu.Unlock()
		return
	}
	s.shutdown = nil
	s.mu.Unlock()

	slog.Warn("ignition: requesting shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.power.RequestShutdown(ctx); err != nil {
		slog.Error("ignition: shutdown request failed", "error", err)
	}
}
