package protocol

import (
	"fmt"
	"time"

	"github.com/mil-ad/carlinkd/internal/channel"
	"github.com/mil-ad/carlinkd/internal/media"
	"github.com/mil-ad/carlinkd/internal/usb"
)

// Config is the stream configuration sent with Start.
type Config struct {
	FPS        int
	Width      int
	Height     int
	MediaDelay time.Duration
}

// --- inbound: Protocol Context -> orchestrator ---

// Event is a message from the Protocol Context. The set is closed: every
// kind has a method on EventHandler, so adding one breaks every handler at
// compile time until it is dealt with.
type Event interface {
	Accept(h EventHandler)
}

// EventHandler receives each kind of Event.
type EventHandler interface {
	Plugged(Plugged)
	Unplugged(Unplugged)
	RequestBuffer(RequestBuffer)
	Audio(Audio)
	Media(Media)
	Command(Command)
	Failure(Failure)
}

// Plugged reports a completed handshake.
type Plugged struct{}

// Unplugged reports the end of the phone session.
type Unplugged struct{}

// RequestBuffer asks for an output player for one audio stream.
type RequestBuffer struct {
	Stream AudioStream
}

// Audio carries PCM and/or a volume change for one audio stream.
type Audio struct {
	Payload AudioPayload
}

// Media carries now-playing metadata. It is received and ignored.
type Media struct {
	Payload []byte
}

// Command is a remote command from the phone.
type Command struct {
	Value RemoteCommand
}

// Failure reports that the session could not be started or was lost.
type Failure struct {
	Err error
}

func (e Plugged) Accept(h EventHandler)       { h.Plugged(e) }
func (e Unplugged) Accept(h EventHandler)     { h.Unplugged(e) }
func (e RequestBuffer) Accept(h EventHandler) { h.RequestBuffer(e) }
func (e Audio) Accept(h EventHandler)         { h.Audio(e) }
func (e Media) Accept(h EventHandler)         { h.Media(e) }
func (e Command) Accept(h EventHandler)       { h.Command(e) }
func (e Failure) Accept(h EventHandler)       { h.Failure(e) }

// AudioStream identifies an audio stream by its decode and audio types.
type AudioStream struct {
	DecodeType int
	AudioType  int
}

// AudioPayload is the body of an Audio event. Data is S16LE PCM in the
// stream's format; Volume, when set, is a gain in [0,1].
type AudioPayload struct {
	Stream AudioStream
	Data   []byte
	Volume *float64
}

// RemoteCommand is a command value sent by the phone.
type RemoteCommand int

const (
	CommandUnknown RemoteCommand = iota
	StartRecordAudio
	StopRecordAudio
	RequestHostUI
)

func (c RemoteCommand) String() string {
	switch c {
	case StartRecordAudio:
		return "startRecordAudio"
	case StopRecordAudio:
		return "stopRecordAudio"
	case RequestHostUI:
		return "requestHostUI"
	default:
		return "unknown"
	}
}

// --- outbound: orchestrator -> Protocol Context ---

// Message is a command to the Protocol Context. Like Event, the set is
// closed through MessageHandler.
type Message interface {
	Accept(h MessageHandler)
}

// MessageHandler receives each kind of Message.
type MessageHandler interface {
	Initialise(Initialise)
	Start(Start)
	Stop(Stop)
	Frame(Frame)
	KeyCommand(KeyCommand)
	Touch(Touch)
}

// Initialise hands the far ends of the video and microphone pairs to the
// context. It is the first message a context receives.
type Initialise struct {
	Video      *channel.Port[media.VideoFrame]
	Microphone *channel.Port[media.MicChunk]
}

// Start opens a session with dev.
type Start struct {
	Device usb.Device
	Config Config
}

// Stop closes the session's link. The context stays up and takes a later
// Start. Terminate implies Stop, so teardown does not post it.
type Stop struct{}

// Frame tells the session that the host surface changed size.
type Frame struct{}

// KeyCommand forwards a key press.
type KeyCommand struct {
	Key Key
}

// Touch forwards a touch with coordinates normalized to [0,1].
type Touch struct {
	X, Y   float64
	Action TouchAction
}

func (m Initialise) Accept(h MessageHandler) { h.Initialise(m) }
func (m Start) Accept(h MessageHandler)      { h.Start(m) }
func (m Stop) Accept(h MessageHandler)       { h.Stop(m) }
func (m Frame) Accept(h MessageHandler)      { h.Frame(m) }
func (m KeyCommand) Accept(h MessageHandler) { h.KeyCommand(m) }
func (m Touch) Accept(h MessageHandler)      { h.Touch(m) }

// TouchAction values are the ones the dongle expects.
type TouchAction int

const (
	TouchDown TouchAction = 14
	TouchMove TouchAction = 15
	TouchUp   TouchAction = 16
)

// Key is a key command understood by the phone.
type Key string

const (
	KeyLeft       Key = "left"
	KeyRight      Key = "right"
	KeySelectDown Key = "selectDown"
	KeySelectUp   Key = "selectUp"
	KeyBack       Key = "back"
	KeyDown       Key = "down"
	KeyHome       Key = "home"
	KeyPlay       Key = "play"
	KeyPause      Key = "pause"
	KeyNext       Key = "next"
	KeyPrev       Key = "prev"
)

var keys = map[Key]bool{
	KeyLeft: true, KeyRight: true, KeySelectDown: true, KeySelectUp: true,
	KeyBack: true, KeyDown: true, KeyHome: true, KeyPlay: true,
	KeyPause: true, KeyNext: true, KeyPrev: true,
}

// ParseKey validates a key command name.
func ParseKey(s string) (Key, error) {
	k := Key(s)
	if !keys[k] {
		return "", fmt.Errorf("unknown key command %q", s)
	}
	return k, nil
}
