package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/godbus/dbus/v5"
)

const (
	logindName     = "org.freedesktop.login1"
	logindPath     = "/org/freedesktop/login1"
	managerIface   = "org.freedesktop.login1.Manager"
	shutdownSignal = managerIface + ".PrepareForShutdown"
)

// logind wraps a system D-Bus connection for power management.
type logind struct {
	conn *dbus.Conn
}

func newLogind() (*logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that logind is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	if !slices.Contains(names, logindName) {
		conn.Close()
		return nil, errors.New("org.freedesktop.login1 not found on system bus, is systemd-logind running?")
	}
	return &logind{conn: conn}, nil
}

func (l *logind) close() {
	l.conn.Close()
}

func (l *logind) manager() dbus.BusObject {
	return l.conn.Object(logindName, logindPath)
}

// canPowerOff returns logind's answer: "yes", "no", "challenge" or "na".
func (l *logind) canPowerOff(ctx context.Context) (string, error) {
	var answer string
	if err := l.manager().CallWithContext(ctx, managerIface+".CanPowerOff", 0).Store(&answer); err != nil {
		return "", fmt.Errorf("CanPowerOff: %w", err)
	}
	return answer, nil
}

// RequestShutdown powers the system off without an interactive
// authorization prompt.
func (l *logind) RequestShutdown(ctx context.Context) error {
	if err := l.manager().CallWithContext(ctx, managerIface+".PowerOff", 0, false).Err; err != nil {
		return fmt.Errorf("PowerOff: %w", err)
	}
	return nil
}

// subscribeShutdown delivers PrepareForShutdown signals.
func (l *logind) subscribeShutdown() (chan *dbus.Signal, error) {
	call := l.conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		"type='signal',interface='"+managerIface+"',member='PrepareForShutdown',path='"+logindPath+"'",
	)
	if call.Err != nil {
		return nil, fmt.Errorf("add match: %w", call.Err)
	}
	ch := make(chan *dbus.Signal, 16)
	l.conn.Signal(ch)
	return ch, nil
}

func (l *logind) unsubscribe(ch chan *dbus.Signal) {
	l.conn.RemoveSignal(ch)
}

// preparingShutdown reports whether sig announces an imminent shutdown.
func preparingShutdown(sig *dbus.Signal) bool {
	if sig == nil || sig.Name != shutdownSignal || len(sig.Body) < 1 {
		return false
	}
	active, ok := sig.Body[0].(bool)
	return ok && active
}

// noPower stands in for logind when the system bus is unavailable.
type noPower struct {
	err error
}

func (p noPower) RequestShutdown(context.Context) error {
	return fmt.Errorf("power off unavailable: %w", p.err)
}
