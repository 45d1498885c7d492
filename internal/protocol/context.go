// Package protocol is the Protocol Context: an isolated unit that owns the
// accessory session and speaks the phone-mirroring protocol through a Driver.
package protocol

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mil-ad/carlinkd/internal/channel"
	"github.com/mil-ad/carlinkd/internal/media"
	"github.com/mil-ad/carlinkd/internal/usb"
	"github.com/mil-ad/carlinkd/internal/worker"
)

var (
	errNotInitialised = errors.New("protocol: start before initialise")
	errLinkClosed     = errors.New("protocol: link closed unexpectedly")
)

// Driver opens sessions with the accessory. It is the external protocol
// library boundary.
type Driver interface {
	Open(ctx context.Context, dev usb.Device, cfg Config) (Link, error)
}

// Link is one open session.
type Link interface {
	// Events is closed when the session ends.
	Events() <-chan Event
	Video() <-chan media.VideoFrame
	// Control forwards Frame, KeyCommand and Touch messages.
	Control(msg Message) error
	Microphone(chunk media.MicChunk) error
	Close() error
}

// Context is a running Protocol Context.
type Context struct {
	unit *worker.Unit[Message, Event]
}

// Spawn starts a Protocol Context. It does nothing until it receives
// Initialise.
func Spawn(ctx context.Context, name string, driver Driver) *Context {
	return &Context{unit: worker.Spawn(ctx, name, func(ctx context.Context, inbox *worker.Inbox[Message], emit worker.Emitter[Event]) error {
		s := &session{ctx: ctx, name: name, driver: driver, emit: emit}
		return s.run(inbox)
	}, worker.OnDiscard(discard))}
}

// discard closes the ports of an Initialise the context never handled.
func discard(msg Message) {
	init, ok := msg.(Initialise)
	if !ok {
		return
	}
	if init.Video != nil {
		init.Video.Close()
	}
	if init.Microphone != nil {
		init.Microphone.Close()
	}
}

// Post queues a message without blocking.
func (c *Context) Post(msg Message) bool { return c.unit.Post(msg) }

// Events is the ordered event stream.
func (c *Context) Events() <-chan Event { return c.unit.Events() }

// Terminate stops the context at once, closing its ports and link.
func (c *Context) Terminate() { c.unit.Terminate() }

// Done is closed once the context has exited.
func (c *Context) Done() <-chan struct{} { return c.unit.Done() }

type session struct {
	ctx    context.Context
	name   string
	driver Driver
	emit   worker.Emitter[Event]

	video *channel.Port[media.VideoFrame]
	mic   *channel.Port[media.MicChunk]
	link  Link
}

func (s *session) run(inbox *worker.Inbox[Message]) error {
	defer s.shutdown()
	for {
		var (
			linkEvents <-chan Event
			linkVideo  <-chan media.VideoFrame
			micIn      <-chan media.MicChunk
		)
		if s.link != nil {
			linkEvents = s.link.Events()
			linkVideo = s.link.Video()
		}
		if s.mic != nil && s.link != nil {
			micIn = s.mic.Recv()
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case <-inbox.Ready():
			for {
				msg, ok := inbox.TryNext()
				if !ok {
					break
				}
				msg.Accept(s)
			}

		case ev, ok := <-linkEvents:
			if !ok {
				slog.Warn("protocol: link ended", "context", s.name)
				s.closeLink()
				s.emit(Failure{Err: errLinkClosed})
				continue
			}
			s.emit(ev)

		case frame := <-linkVideo:
			if s.video != nil {
				s.video.Send(frame)
			}

		case chunk := <-micIn:
			if err := s.link.Microphone(chunk); err != nil {
				slog.Debug("protocol: microphone write failed", "context", s.name, "error", err)
			}
		}
	}
}

func (s *session) shutdown() {
	s.closeLink()
	if s.video != nil {
		s.video.Close()
	}
	if s.mic != nil {
		s.mic.Close()
	}
}

func (s *session) closeLink() {
	if s.link == nil {
		return
	}
	if err := s.link.Close(); err != nil {
		slog.Debug("protocol: close link", "context", s.name, "error", err)
	}
	s.link = nil
}

func (s *session) Initialise(m Initialise) {
	if s.video != nil || s.mic != nil {
		slog.Error("protocol: initialise received twice, ignoring", "context", s.name)
		return
	}
	s.video = m.Video
	s.mic = m.Microphone
}

func (s *session) Start(m Start) {
	if s.video == nil || s.mic == nil {
		s.emit(Failure{Err: errNotInitialised})
		return
	}
	if s.link != nil {
		slog.Debug("protocol: already started", "context", s.name)
		return
	}
	link, err := s.driver.Open(s.ctx, m.Device, m.Config)
	if err != nil {
		slog.Error("protocol: open session failed", "context", s.name, "device", m.Device.String(), "error", err)
		s.emit(Failure{Err: err})
		return
	}
	slog.Info("protocol: session opened", "context", s.name, "device", m.Device.String(),
		"width", m.Config.Width, "height", m.Config.Height, "fps", m.Config.FPS)
	s.link = link
}

func (s *session) Stop(Stop) {
	s.closeLink()
}

func (s *session) Frame(m Frame)           { s.control(m) }
func (s *session) KeyCommand(m KeyCommand) { s.control(m) }
func (s *session) Touch(m Touch)           { s.control(m) }

func (s *session) control(m Message) {
	if s.link == nil {
		return
	}
	if err := s.link.Control(m); err != nil {
		slog.Debug("protocol: control write failed", "context", s.name, "error", err)
	}
}
