package main

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestPreparingShutdown(t *testing.T) {
	tests := []struct {
		name string
		sig  *dbus.Signal
		want bool
	}{
		{"nil", nil, false},
		{"starting", &dbus.Signal{Name: shutdownSignal, Body: []any{true}}, true},
		{"cancelled", &dbus.Signal{Name: shutdownSignal, Body: []any{false}}, false},
		{"no body", &dbus.Signal{Name: shutdownSignal}, false},
		{"wrong type", &dbus.Signal{Name: shutdownSignal, Body: []any{"yes"}}, false},
		{"other signal", &dbus.Signal{Name: managerIface + ".PrepareForSleep", Body: []any{true}}, false},
	}
	for _, tt := range tests {
		if got := preparingShutdown(tt.sig); got != tt.want {
			t.Errorf("%s: preparingShutdown = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNoPowerReportsCause(t *testing.T) {
	cause := errors.New("no system bus")
	err := noPower{err: cause}.RequestShutdown(context.Background())
	if !errors.Is(err, cause) {
		t.Fatalf("RequestShutdown = %v, want wrapped %v", err, cause)
	}
}
