package session

import (
	"log/slog"

	"github.com/mil-ad/carlinkd/internal/protocol"
	"github.com/mil-ad/carlinkd/internal/render"
)

// protocolEvents applies Protocol Context events of the current session.
type protocolEvents struct {
	o  *Orchestrator
	id string
}

func (h protocolEvents) Plugged(protocol.Plugged) {
	o := h.o
	slog.Info("session: protocol plugged", "session", h.id)
	o.state.ProtocolReady = true
	o.state.Streaming = o.sess.frameShown
	o.publish()
}

func (h protocolEvents) Unplugged(protocol.Unplugged) {
	o := h.o
	if o.state.PhoneAttached {
		slog.Warn("session: unexpected disconnect, phone was still attached", "session", h.id)
	} else {
		slog.Info("session: protocol unplugged", "session", h.id)
	}
	o.state.ProtocolReady = false
	o.cascade()
	o.store.ShowContent(true)
	o.teardown("unplugged")
	o.publish()

	// fresh contexts and channels for the next phone
	if o.state.DongleAttached {
		o.newEpoch()
		o.discover(1)
	}
}

func (h protocolEvents) RequestBuffer(e protocol.RequestBuffer) {
	h.o.retry.Alive()
	h.o.audio.RequestBuffer(e.Stream)
}

func (h protocolEvents) Audio(e protocol.Audio) {
	h.o.retry.Alive()
	h.o.audio.Process(e.Payload)
}

// Media carries now-playing metadata, which nothing consumes.
func (h protocolEvents) Media(protocol.Media) {}

func (h protocolEvents) Command(e protocol.Command) {
	o := h.o
	switch e.Value {
	case protocol.StartRecordAudio:
		o.audio.StartRecording()
	case protocol.StopRecordAudio:
		o.audio.StopRecording()
	case protocol.RequestHostUI:
		o.store.ShowNavBar(true)
	default:
		slog.Debug("session: unhandled command", "session", h.id, "command", e.Value.String())
	}
}

func (h protocolEvents) Failure(e protocol.Failure) {
	slog.Error("session: protocol failure", "session", h.id, "error", e.Err)
	if h.o.retry.Fail() {
		h.o.failedID = h.id
	}
}

// renderEvents applies Render Context events of the current session.
type renderEvents struct {
	o *Orchestrator
}

func (h renderEvents) StreamStarted(render.StreamStarted) {
	o := h.o
	o.sess.frameShown = true
	if !o.state.ProtocolReady {
		slog.Debug("session: first frame before plugged", "session", o.sess.id)
	}
	o.state.Streaming = o.state.ProtocolReady
	o.publish()
}
