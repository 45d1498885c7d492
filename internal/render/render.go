// Package render is the Render Context: it owns the drawable surface and
// paints frames arriving on the near end of the video pair.
package render

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mil-ad/carlinkd/internal/channel"
	"github.com/mil-ad/carlinkd/internal/media"
	"github.com/mil-ad/carlinkd/internal/worker"
)

// ErrNoSurface is returned when a Render Context is created without a
// surface or video port.
var ErrNoSurface = errors.New("render: surface and video port are required")

// Surface is something frames can be presented on.
type Surface interface {
	Present(frame media.VideoFrame) error
	Close() error
}

// Init is the one-time handshake: the surface and the near video port move
// into the context with it.
type Init struct {
	Surface Surface
	Video   *channel.Port[media.VideoFrame]
}

// Event is emitted by the Render Context. StreamStarted is the only kind.
type Event interface {
	Accept(h EventHandler)
}

// EventHandler receives each kind of render Event.
type EventHandler interface {
	StreamStarted(StreamStarted)
}

// StreamStarted is sent once, after the first frame has been presented.
type StreamStarted struct{}

func (e StreamStarted) Accept(h EventHandler) { h.StreamStarted(e) }

// Context is a running Render Context.
type Context struct {
	unit *worker.Unit[struct{}, Event]
}

// Spawn starts a Render Context that owns init.Surface and init.Video.
func Spawn(ctx context.Context, name string, init Init) (*Context, error) {
	if init.Surface == nil || init.Video == nil {
		return nil, ErrNoSurface
	}
	u := worker.Spawn(ctx, name, func(ctx context.Context, _ *worker.Inbox[struct{}], emit worker.Emitter[Event]) error {
		return paint(ctx, name, init, emit)
	})
	return &Context{unit: u}, nil
}

// Events is the ordered event stream.
func (c *Context) Events() <-chan Event { return c.unit.Events() }

// Terminate stops painting and releases the surface.
func (c *Context) Terminate() { c.unit.Terminate() }

// Done is closed once the context has exited.
func (c *Context) Done() <-chan struct{} { return c.unit.Done() }

func paint(ctx context.Context, name string, init Init, emit worker.Emitter[Event]) error {
	defer func() {
		init.Video.Close()
		if err := init.Surface.Close(); err != nil {
			slog.Debug("render: close surface", "context", name, "error", err)
		}
	}()

	started := false
	var failures int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-init.Video.Done():
			return nil
		case frame := <-init.Video.Recv():
			if err := init.Surface.Present(frame); err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					slog.Warn("render: present failed", "context", name, "failures", failures, "error", err)
				}
				continue
			}
			if !started {
				started = true
				slog.Info("render: first frame displayed", "context", name, "width", frame.Width, "height", frame.Height)
				emit(StreamStarted{})
			}
		}
	}
}
