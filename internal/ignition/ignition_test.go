package ignition

import (
	"context"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/mil-ad/carlinkd/internal/state"
)

type fakePower struct {
	mu    sync.Mutex
	calls []time.Time
}

func (p *fakePower) RequestShutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, time.Now())
	return nil
}

func (p *fakePower) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakePower) first() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[0]
}

var testConfig = Config{AutoShutdown: true, ShutdownDelay: 10 * time.Second, DismissPeriod: 5 * time.Minute}

func TestShutdownAfterDelay(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := state.NewStore()
		power := &fakePower{}
		s := New(testConfig, store, power)
		defer s.Close()

		start := time.Now()
		s.SetIgnition(false)
		m := store.Snapshot().Modal
		if !m.Visible || m.Title != "Ignition Off." || m.Button != "DISMISS" {
			t.Fatalf("modal = %+v", m)
		}
		if !strings.Contains(m.Body, "10 seconds") || !strings.Contains(m.Body, "5 minutes") {
			t.Fatalf("body = %q", m.Body)
		}

		time.Sleep(10*time.Second - time.Millisecond)
		synctest.Wait()
		if power.count() != 0 {
			t.Fatalf("shutdown before the delay")
		}
		time.Sleep(time.Millisecond)
		synctest.Wait()
		if power.count() != 1 {
			t.Fatalf("shutdown requests = %d, want 1", power.count())
		}
		if got := power.first().Sub(start); got != 10*time.Second {
			t.Fatalf("shutdown at %v, want 10s", got)
		}
	})
}

func TestDismissAfterShutdownRequest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := state.NewStore()
		power := &fakePower{}
		s := New(testConfig, store, power)
		defer s.Close()

		s.SetIgnition(false)
		time.Sleep(10 * time.Second)
		synctest.Wait()
		if power.count() != 1 {
			t.Fatalf("shutdown requests = %d, want 1", power.count())
		}
		if !store.Snapshot().Modal.Visible {
			t.Fatalf("warning hidden before the power off")
		}

		if !s.Dismiss() {
			t.Fatalf("visible warning could not be dismissed")
		}
		if store.Snapshot().Modal.Visible || s.Phase() != Dismissed {
			t.Fatalf("after dismiss: visible=%v phase=%v", store.Snapshot().Modal.Visible, s.Phase())
		}
		if s.Dismiss() {
			t.Fatalf("second dismiss accepted")
		}

		time.Sleep(5*time.Minute + 10*time.Second)
		synctest.Wait()
		if power.count() != 2 {
			t.Fatalf("shutdown requests = %d, want 2 after the dismiss period", power.count())
		}
	})
}

func TestDismissHoldsOffAndRearms(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := state.NewStore()
		power := &fakePower{}
		s := New(testConfig, store, power)
		defer s.Close()

		s.SetIgnition(false)
		time.Sleep(3 * time.Second)
		if !s.Dismiss() {
			t.Fatalf("dismiss ignored")
		}
		if store.Snapshot().Modal.Visible {
			t.Fatalf("modal visible after dismiss")
		}
		if s.Phase() != Dismissed {
			t.Fatalf("phase = %v", s.Phase())
		}

		time.Sleep(5*time.Minute - time.Millisecond)
		synctest.Wait()
		if power.count() != 0 {
			t.Fatalf("shutdown during the dismiss period")
		}
		if store.Snapshot().Modal.Visible {
			t.Fatalf("warning re-armed early")
		}

		time.Sleep(time.Millisecond)
		synctest.Wait()
		if !store.Snapshot().Modal.Visible || s.Phase() != Warning {
			t.Fatalf("warning not re-armed after the dismiss period")
		}

		time.Sleep(10 * time.Second)
		synctest.Wait()
		if power.count() != 1 {
			t.Fatalf("shutdown requests = %d, want 1", power.count())
		}
	})
}

func TestIgnitionOnCancelsEverything(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := state.NewStore()
		power := &fakePower{}
		s := New(testConfig, store, power)
		defer s.Close()

		s.SetIgnition(false)
		time.Sleep(5 * time.Second)
		s.SetIgnition(true)
		if store.Snapshot().Modal.Visible || s.Phase() != Running {
			t.Fatalf("warning still active after ignition on")
		}

		s.SetIgnition(false)
		s.Dismiss()
		s.SetIgnition(true)
		if s.Phase() != Running {
			t.Fatalf("extended timer survived ignition on")
		}

		time.Sleep(time.Hour)
		synctest.Wait()
		if power.count() != 0 {
			t.Fatalf("shutdown after ignition came back on")
		}
	})
}

func TestAutoShutdownDisabled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		store := state.NewStore()
		power := &fakePower{}
		cfg := testConfig
		cfg.AutoShutdown = false
		s := New(cfg, store, power)
		defer s.Close()

		s.SetIgnition(false)
		if s.Phase() != Running || store.Snapshot().Modal.Visible {
			t.Fatalf("warning shown with auto shutdown off")
		}
		if s.Dismiss() {
			t.Fatalf("dismiss accepted with nothing to dismiss")
		}

		// enabling it while the ignition is off starts the countdown
		s.SetConfig(testConfig)
		if s.Phase() != Warning {
			t.Fatalf("phase = %v after enabling auto shutdown", s.Phase())
		}
		s.SetConfig(cfg)
		time.Sleep(time.Minute)
		synctest.Wait()
		if power.count() != 0 || store.Snapshot().Modal.Visible {
			t.Fatalf("countdown survived disabling auto shutdown")
		}
	})
}

func TestCloseCancelsTimers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		power := &fakePower{}
		s := New(testConfig, state.NewStore(), power)
		s.SetIgnition(false)
		s.Close()
		s.SetIgnition(true)
		s.SetIgnition(false)
		time.Sleep(time.Minute)
		synctest.Wait()
		if power.count() != 0 {
			t.Fatalf("shutdown after close")
		}
	})
}
