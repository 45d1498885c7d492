package main

import "github.com/mil-ad/carlinkd/internal/state"

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string   `json:"command"`        // "status" | "watch" | "pair" | "gesture" | "key" | "touch" | "resize" | "ignition" | "dismiss"
	Args    []string `json:"args,omitempty"` // command arguments, e.g. ["down", "400", "230"] for touch
}

// IPCResponse is sent from the daemon back to the CLI client. A watch
// request gets one response per state change.
type IPCResponse struct {
	State *state.Snapshot `json:"state,omitempty"`
	Error string          `json:"error,omitempty"`
}
