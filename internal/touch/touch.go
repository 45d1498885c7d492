// Package touch maps local pointer events onto the remote surface and
// forwards them as touch messages.
package touch

import (
	"fmt"
	"sync"

	"github.com/mil-ad/carlinkd/internal/protocol"
)

// Kind is a local pointer event kind.
type Kind int

const (
	Down Kind = iota
	Move
	Up
	Cancel
	Leave
)

// ParseKind parses "down", "move", "up", "cancel" or "leave".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "down":
		return Down, nil
	case "move":
		return Move, nil
	case "up":
		return Up, nil
	case "cancel":
		return Cancel, nil
	case "leave":
		return Leave, nil
	}
	return 0, fmt.Errorf("unknown pointer event %q", s)
}

// Pointer is a local pointer event in surface pixels.
type Pointer struct {
	Kind Kind
	X, Y float64
}

// Translate maps p onto a width x height stream.
func Translate(p Pointer, width, height int) (protocol.Touch, bool) {
	if width <= 0 || height <= 0 {
		return protocol.Touch{}, false
	}
	action := protocol.TouchUp
	switch p.Kind {
	case Down:
		action = protocol.TouchDown
	case Move:
		action = protocol.TouchMove
	}
	return protocol.Touch{
		X:      clamp01(p.X / float64(width)),
		Y:      clamp01(p.Y / float64(height)),
		Action: action,
	}, true
}

// Forwarder translates pointer events with the current stream size and
// hands them to send.
type Forwarder struct {
	send func(protocol.Message) bool

	mu            sync.RWMutex
	width, height int
}

// NewForwarder returns a forwarder for a width x height stream.
func NewForwarder(width, height int, send func(protocol.Message) bool) *Forwarder {
	return &Forwarder{send: send, width: width, height: height}
}

// Resize updates the stream dimensions.
func (f *Forwarder) Resize(width, height int) {
	f.mu.Lock()
	f.width, f.height = width, height
	f.mu.Unlock()
}

// Size returns the stream dimensions.
func (f *Forwarder) Size() (int, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.width, f.height
}

// Forward translates p and sends it. It reports whether a message was sent.
func (f *Forwarder) Forward(p Pointer) bool {
	w, h := f.Size()
	t, ok := Translate(p, w, h)
	if !ok {
		return false
	}
	return f.send(t)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
